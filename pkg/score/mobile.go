package score

import (
	"strings"

	"github.com/medama-io/go-useragent"
)

// substrings the parser does not classify but the routing policy treats
// as mobile anyway
var mobileTokens = []string{
	"mobile", "android", "iphone", "ipad", "ipod", "blackberry",
	"windows phone", "opera mini", "kindle", "silk", "webos", "palm",
}

type MobileDetector struct {
	parser *useragent.Parser
}

func NewMobileDetector() *MobileDetector {
	return &MobileDetector{parser: useragent.NewParser()}
}

// IsMobile is deliberately permissive. Mobile visitors bypass challenges,
// so a false positive costs nothing while a false negative shows a
// touch-hostile captcha.
func (d *MobileDetector) IsMobile(userAgent string) bool {
	if len(userAgent) == 0 {
		return false
	}

	agent := d.parser.Parse(userAgent)
	if agent.IsMobile() || agent.IsTablet() {
		return true
	}

	lower := strings.ToLower(userAgent)
	for _, token := range mobileTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}

	return false
}
