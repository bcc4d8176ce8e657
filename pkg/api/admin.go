package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/db"
)

const (
	defaultSuspiciousListLimit = 100
	maxSuspiciousListLimit     = 1000
)

func (s *Server) listSuspiciousHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	limit := defaultSuspiciousListLimit
	if v, err := strconv.Atoi(query.Get("limit")); err == nil && v > 0 {
		limit = min(v, maxSuspiciousListLimit)
	}

	records, err := s.Business.ListSuspiciousIPs(ctx, query.Get("api_key"), limit)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	common.SendJSONResponse(ctx, w, records, common.NoCacheHeaders)
}

func (s *Server) ipStatsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := s.Business.SuspiciousIPStats(ctx, r.URL.Query().Get("api_key"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	common.SendJSONResponse(ctx, w, stats, common.NoCacheHeaders)
}

func (s *Server) blockIPHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var input blockIPInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil || len(input.IP) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := s.Business.BlockIP(ctx, input.APIKey, input.IP, input.Reason, time.Now().UTC()); err != nil {
		slog.ErrorContext(ctx, "Failed to block IP", "ip", input.IP, common.ErrAttr(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	common.SendJSONResponse(ctx, w, &operationOutput{Success: true}, common.NoCacheHeaders)
}

func (s *Server) unblockIPHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var input blockIPInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil || len(input.IP) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := s.Business.UnblockIP(ctx, input.APIKey, input.IP); err != nil {
		if err == db.ErrRecordNotFound {
			writeError(ctx, w, http.StatusNotFound, "not_found")
			return
		}
		slog.ErrorContext(ctx, "Failed to unblock IP", "ip", input.IP, common.ErrAttr(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	common.SendJSONResponse(ctx, w, &operationOutput{Success: true}, common.NoCacheHeaders)
}
