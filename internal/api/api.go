package api

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/Maphikza/truth-machine/internal/database"
	"github.com/Maphikza/truth-machine/internal/logger"
	"github.com/Maphikza/truth-machine/internal/metrics"
	"github.com/Maphikza/truth-machine/internal/tracker"
	"github.com/Maphikza/truth-machine/internal/treasury"
	"github.com/Maphikza/truth-machine/internal/verifier"
	"github.com/Maphikza/truth-machine/lib/broadcast"
	"github.com/gorilla/mux"
)

const defaultMaxUpload = 32 << 20

type API struct {
	Treasury   Treasury
	Committer  Committer
	Dispatcher Dispatcher
	Checker    TxChecker
	Records    Records
	Tracker    Tracker
	Verifier   Verifier

	Network        string
	MaxUploadBytes int64
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// HandleFund mints /fund/{count} tokens.
func (s *API) HandleFund(w http.ResponseWriter, r *http.Request) {
	count, err := strconv.Atoi(mux.Vars(r)["count"])
	if err != nil || count < 1 {
		writeError(w, http.StatusBadRequest, "count must be a positive integer")
		return
	}

	res, err := s.Treasury.Fund(r.Context(), count)
	if err != nil {
		logger.Error("Funding failed", "request_id", RequestID(r.Context()), "count", count, "error", err)
		switch {
		case errors.Is(err, treasury.ErrInsufficientFunds):
			writeError(w, http.StatusPaymentRequired, "not enough satoshis in the treasury")
		case errors.Is(err, broadcast.ErrBroadcastFailed):
			writeError(w, http.StatusBadGateway, "funding transaction was not accepted")
		case errors.Is(err, treasury.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, "ledger query service unavailable")
		case errors.Is(err, treasury.ErrInvalidTarget):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "funding failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, FundResponse{TxID: res.FundingTxID, Number: res.Created, Batches: res.Batches})
}

// HandleCheckTreasury reports the treasury balance and pool size.
func (s *API) HandleCheckTreasury(w http.ResponseWriter, r *http.Request) {
	st, err := s.Treasury.Status(r.Context())
	if err != nil {
		logger.Error("Treasury check failed", "request_id", RequestID(r.Context()), "error", err)
		if errors.Is(err, treasury.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "ledger query service unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "treasury check failed")
		return
	}
	writeJSON(w, http.StatusOK, TreasuryResponse{Address: st.Address, Balance: st.Balance, Tokens: st.Tokens, Pool: st.Pool})
}

// readUpload returns the uploaded content, its media type and file name.
// The body is either the raw file or a multipart form with a "file" part.
func (s *API) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, string, error) {
	limit := s.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUpload
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(limit); err != nil {
			return nil, "", "", err
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", "", err
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return nil, "", "", err
		}
		partType := header.Header.Get("Content-Type")
		if partType == "" {
			partType = http.DetectContentType(content)
		}
		return content, partType, header.Filename, nil
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", "", err
	}
	if r.Header.Get("Content-Type") == "" {
		mediaType = http.DetectContentType(content)
	} else {
		mediaType = r.Header.Get("Content-Type")
	}
	return content, mediaType, r.Header.Get("X-File-Name"), nil
}

// HandleUpload commits the digest of the uploaded file, broadcasts the
// commitment and stores it with the file.
func (s *API) HandleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := RequestID(ctx)

	content, mediaType, fileName, err := s.readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if len(content) == 0 {
		writeError(w, http.StatusBadRequest, "empty upload")
		return
	}
	digest := sha256.Sum256(content)

	c, err := s.Committer.Commit(ctx, digest[:], len(content))
	if err != nil {
		logger.Error("Commitment failed", "request_id", reqID, "error", err)
		if errors.Is(err, database.ErrInsufficientTokens) {
			writeError(w, http.StatusServiceUnavailable, "no tokens available, fund the treasury")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to build commitment")
		return
	}

	status := http.StatusOK
	res, err := s.Dispatcher.Broadcast(ctx, c.Tx)
	if err != nil {
		logger.Error("Commitment broadcast failed", "request_id", reqID, "txid", c.TxID, "error", err)
		rejected, detail := s.rejected(context.WithoutCancel(ctx), c.TxID)
		if rejected {
			if rerr := s.Committer.Release(context.WithoutCancel(ctx), c); rerr != nil {
				logger.Error("Failed to release tokens", "txid", c.TxID, "error", rerr)
			}
			metrics.Commitments.WithLabelValues("broadcast_failed").Inc()
			writeError(w, http.StatusBadGateway, "commitment was not accepted by any endpoint")
			return
		}
		// The transaction may still reach the network, so its tokens stay
		// spent and the tracker settles the record.
		logger.Warn("Commitment broadcast outcome unknown", "request_id", reqID, "txid", c.TxID, "detail", detail)
		metrics.Commitments.WithLabelValues("broadcast_unknown").Inc()
		status = http.StatusAccepted
		res = &broadcast.Result{Endpoint: "dispatcher", TxID: c.TxID, Status: broadcast.StatusUnknown, Message: detail}
	}

	rec, err := c.Record(res, content, mediaType, fileName)
	if err == nil {
		err = s.Records.SaveRecord(context.WithoutCancel(ctx), rec)
	}
	if err != nil {
		// The transaction may already be on the network.
		logger.Error("Failed to persist accepted commitment", "request_id", reqID, "txid", c.TxID, "error", err)
		metrics.Commitments.WithLabelValues("persist_failed").Inc()
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("commitment %s broadcast but not stored", c.TxID))
		return
	}

	if status == http.StatusOK {
		metrics.Commitments.WithLabelValues("ok").Inc()
	}
	logger.Info("Commitment stored", "request_id", reqID, "txid", c.TxID, "digest", c.Digest, "endpoint", res.Endpoint)
	writeJSON(w, status, UploadResponse{TxID: c.TxID, Digest: c.Digest, Network: s.Network, Tokens: len(c.Tokens), Status: res.Status})
}

// rejected asks the relay whether txid was refused for good. Any other
// answer, including no relay at all, leaves the commitment pending.
func (s *API) rejected(ctx context.Context, txid string) (bool, string) {
	if s.Checker == nil {
		return false, "no relay to confirm rejection"
	}
	st, err := s.Checker.Status(ctx, txid)
	if err != nil {
		return false, err.Error()
	}
	if broadcast.IsFailureStatus(st.TxStatus) {
		return true, st.TxStatus
	}
	return false, st.TxStatus
}

// HandleDownload serves the stored file of a commitment.
func (s *API) HandleDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.Records.FindRecord(r.Context(), id)
	if err != nil || rec.Kind != database.RecordKindCommitment {
		if err != nil && !errors.Is(err, database.ErrRecordNotFound) {
			logger.Error("Download lookup failed", "id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	mediaType := rec.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.Payload)))
	w.Header().Set("Content-Disposition", "attachment; filename="+downloadName(id, rec))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(rec.Payload); err != nil {
		logger.Error("Failed to write download", "id", id, "error", err)
	}
}

func downloadName(id string, rec *database.Record) string {
	ext := "bin"
	if _, sub, ok := strings.Cut(rec.MediaType, "/"); ok && sub != "" {
		ext, _, _ = strings.Cut(sub, ";")
		ext = strings.TrimSpace(ext)
	}
	return fmt.Sprintf("%s-%d.%s", id, rec.CreatedAt.UnixMilli(), ext)
}

// HandleIntegrity returns the verdict for a commitment.
func (s *API) HandleIntegrity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.Verifier.Verify(r.Context(), id)
	if err != nil {
		var verr *verifier.VerificationError
		switch {
		case errors.Is(err, verifier.ErrNotFound):
			writeError(w, http.StatusNotFound, "not found")
		case errors.As(err, &verr):
			logger.Error("Stored evidence unreadable", "id", id, "error", err)
			writeJSON(w, http.StatusUnprocessableEntity, IntegrityResponse{
				Result: &verifier.Result{TxID: verr.TxID, FailedCheck: verr.Check},
				Error:  "stored proof bundle is unreadable",
			})
		default:
			logger.Error("Integrity check failed", "id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "integrity check failed")
		}
		return
	}
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, IntegrityResponse{Result: res})
}

// HandleCallback applies a relay push notification.
func (s *API) HandleCallback(w http.ResponseWriter, r *http.Request) {
	var n tracker.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil || n.TxID == "" {
		writeError(w, http.StatusBadRequest, "invalid notification")
		return
	}
	if err := s.Tracker.HandleCallback(r.Context(), n); err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		logger.Error("Failed to handle callback", "txid", n.TxID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

// HandleUtxoStatusUpdate runs one tracker pass.
func (s *API) HandleUtxoStatusUpdate(w http.ResponseWriter, r *http.Request) {
	outcomes, err := s.Tracker.ResolvePending(r.Context())
	if err != nil {
		logger.Error("Tracker pass failed", "error", err)
		writeError(w, http.StatusInternalServerError, "status update failed")
		return
	}
	if outcomes == nil {
		outcomes = []tracker.Outcome{}
	}
	writeJSON(w, http.StatusOK, StatusUpdateResponse{Success: true, Updated: outcomes})
}
