package api

import (
	"testing"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
)

func TestTierBands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score       float64
		mobile      bool
		captchaType string
		nextCaptcha string
		suspicious  bool
	}{
		{score: 100, captchaType: common.TierPass},
		{score: 95, captchaType: common.TierPass},
		{score: 90, captchaType: common.TierPass},
		{score: 89.9, captchaType: common.TierImage, nextCaptcha: "imagecaptcha"},
		{score: 60, captchaType: common.TierImage, nextCaptcha: "imagecaptcha"},
		{score: 59.9, captchaType: common.TierAbstract, nextCaptcha: "abstractcaptcha"},
		{score: 40, captchaType: common.TierAbstract, nextCaptcha: "abstractcaptcha"},
		{score: 39.9, captchaType: common.TierHandwriting, nextCaptcha: "handwritingcaptcha"},
		{score: 10, captchaType: common.TierHandwriting, nextCaptcha: "handwritingcaptcha"},
		{score: 9.9, suspicious: true},
		{score: 0, suspicious: true},
		{score: 5, mobile: true, captchaType: common.TierPass},
		{score: 70, mobile: true, captchaType: common.TierPass},
	}

	for _, tc := range tests {
		d := tier(tc.score, tc.mobile, nil)

		if d.CaptchaType != tc.captchaType {
			t.Errorf("score=%v mobile=%v: type %q, expected %q", tc.score, tc.mobile, d.CaptchaType, tc.captchaType)
		}
		if d.Suspicious != tc.suspicious {
			t.Errorf("score=%v: suspicious=%v", tc.score, d.Suspicious)
		}

		if len(tc.nextCaptcha) == 0 {
			if d.NextCaptcha != nil {
				t.Errorf("score=%v: next captcha %q, expected nil", tc.score, *d.NextCaptcha)
			}
		} else if d.NextCaptcha == nil || *d.NextCaptcha != tc.nextCaptcha {
			t.Errorf("score=%v: next captcha %v, expected %q", tc.score, d.NextCaptcha, tc.nextCaptcha)
		}
	}
}
