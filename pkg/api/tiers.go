package api

import (
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/session"
)

// suspicionThreshold is where "too good to be human" flips to bot
// suspicion: scores below it bump the session's bot counter instead of
// dealing a challenge.
const suspicionThreshold = 10

type tierDecision struct {
	CaptchaType string
	// NextCaptcha is the endpoint hint sent to the widget, nil for pass
	NextCaptcha *string
	Suspicious  bool
}

type tierBand struct {
	// half-open [from, to)
	from        float64
	to          float64
	captchaType string
	nextCaptcha string
}

// tierBands maps confidence score to a challenge family. Bands are
// half-open so a boundary score lands in the lower tier.
var tierBands = []tierBand{
	{from: 90, to: 101, captchaType: common.TierPass},
	{from: 60, to: 90, captchaType: common.TierImage, nextCaptcha: "imagecaptcha"},
	{from: 40, to: 60, captchaType: common.TierAbstract, nextCaptcha: "abstractcaptcha"},
	{from: suspicionThreshold, to: 40, captchaType: common.TierHandwriting, nextCaptcha: "handwritingcaptcha"},
}

// tier is the routing policy as a pure function of the inputs. Mobile
// user agents always pass; blocked sessions never reach this point.
func tier(score float64, mobile bool, s *session.Session) tierDecision {
	if mobile {
		return tierDecision{CaptchaType: common.TierPass}
	}

	for _, band := range tierBands {
		if band.from <= score && score < band.to {
			d := tierDecision{CaptchaType: band.captchaType}
			if len(band.nextCaptcha) > 0 {
				d.NextCaptcha = &band.nextCaptcha
			}
			return d
		}
	}

	return tierDecision{Suspicious: true}
}
