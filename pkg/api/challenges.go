package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/challenge"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
)

func (s *Server) buildChallenge(w http.ResponseWriter, r *http.Request, kind challenge.Kind) *challenge.Challenge {
	ctx := r.Context()

	builder, ok := s.Builders[kind]
	if !ok {
		writeError(ctx, w, http.StatusServiceUnavailable, "service_unavailable")
		return nil
	}

	ch, err := builder.Build(ctx)
	if err != nil {
		if err == challenge.ErrUnavailable {
			slog.WarnContext(ctx, "Challenge content unavailable", "kind", kind)
			writeError(ctx, w, http.StatusServiceUnavailable, "service_unavailable")
		} else {
			slog.ErrorContext(ctx, "Failed to build challenge", "kind", kind, common.ErrAttr(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return nil
	}

	if err := s.Challenges.Create(ctx, ch); err != nil {
		slog.ErrorContext(ctx, "Failed to persist challenge", "kind", kind, common.ErrAttr(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return nil
	}

	s.Metrics.ObserveChallengeCreated(string(kind))

	return ch
}

// imageURL returns the client-facing address of one dealt image: the
// CDN URL when the builder resolved one, otherwise a signed proxy link.
func (s *Server) imageURL(ch *challenge.Challenge, ref challenge.ImageRef) string {
	if len(ref.URL) > 0 {
		return ref.URL
	}

	query := url.Values{}
	query.Set(common.ParamChallengeID, ch.ID)
	query.Set(common.ParamImageIndex, strconv.Itoa(ref.ID))
	query.Set(common.ParamSignature, s.Signer.SignImage(ch.ID, ref.ID))

	return fmt.Sprintf("/api/%s?%s", common.ChallengeImageEndpoint, query.Encode())
}

func (s *Server) ttlSeconds() int {
	return int(s.Challenges.TTL.Seconds())
}

func (s *Server) abstractChallengeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ch := s.buildChallenge(w, r, challenge.KindAbstract)
	if ch == nil {
		return
	}

	images := make([]imageRefOutput, 0, len(ch.Images))
	for _, ref := range ch.Images {
		images = append(images, imageRefOutput{ID: ref.ID, URL: s.imageURL(ch, ref)})
	}

	output := &abstractChallengeOutput{
		ChallengeID: ch.ID,
		Question:    ch.Question,
		TTL:         s.ttlSeconds(),
		Images:      images,
	}

	common.SendJSONResponse(ctx, w, output, common.NoCacheHeaders)
}

func (s *Server) gridChallengeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ch := s.buildChallenge(w, r, challenge.KindImageGrid)
	if ch == nil {
		return
	}

	output := &gridChallengeOutput{
		ChallengeID: ch.ID,
		URL:         ch.ImageURL,
		TTL:         s.ttlSeconds(),
		GridSize:    challenge.GridSize,
		TargetLabel: ch.TargetLabel,
		Question:    ch.Question,
	}

	common.SendJSONResponse(ctx, w, output, common.NoCacheHeaders)
}

func (s *Server) handwritingChallengeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ch := s.buildChallenge(w, r, challenge.KindHandwriting)
	if ch == nil {
		return
	}

	output := &handwritingChallengeOutput{
		ChallengeID: ch.ID,
		Samples:     ch.Samples,
		TTL:         s.ttlSeconds(),
	}

	common.SendJSONResponse(ctx, w, output, common.NoCacheHeaders)
}

// challengeImageHandler serves local-library image bytes for challenges
// that were dealt without CDN URLs. The signature binds (cid, idx), so
// enumeration of the library through this endpoint is not possible.
func (s *Server) challengeImageHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	cid := query.Get(common.ParamChallengeID)
	sig := query.Get(common.ParamSignature)
	idx, err := strconv.Atoi(query.Get(common.ParamImageIndex))
	if len(cid) == 0 || len(sig) == 0 || err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !s.Signer.VerifyImage(cid, idx, sig) {
		slog.WarnContext(ctx, "Invalid image signature", "cid", cid, "idx", idx)
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	ch, err := s.Challenges.Get(ctx, cid)
	if err != nil {
		if err == challenge.ErrNotFound {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		} else {
			slog.ErrorContext(ctx, "Failed to read challenge", common.ErrAttr(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	if s.Library == nil || idx < 0 || idx >= len(ch.Images) || len(ch.Images[idx].Path) == 0 {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	data, err := s.Library.Read(ctx, ch.Images[idx].Path)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to read challenge image", "path", ch.Images[idx].Path, common.ErrAttr(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	headers := w.Header()
	headers[common.HeaderContentType] = []string{http.DetectContentType(data)}
	headers[common.HeaderContentLength] = []string{strconv.Itoa(len(data))}
	_, _ = w.Write(data)
}
