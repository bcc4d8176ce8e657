package api

import "encoding/json"

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	// seconds until the exhausted rate window resets
	RetryAfter int `json:"retry_after,omitempty"`
}

type nextCaptchaInput struct {
	BehaviorData json.RawMessage `json:"behavior_data,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
}

type nextCaptchaOutput struct {
	ConfidenceScore  float64 `json:"confidence_score"`
	CaptchaType      string  `json:"captcha_type"`
	NextCaptcha      *string `json:"next_captcha"`
	CaptchaToken     string  `json:"captcha_token,omitempty"`
	SessionID        string  `json:"session_id"`
	IsBlocked        bool    `json:"is_blocked"`
	Attempts         int32   `json:"attempts"`
	LowScoreAttempts int32   `json:"low_score_attempts"`
}

type imageRefOutput struct {
	ID  int    `json:"id"`
	URL string `json:"url"`
}

type abstractChallengeOutput struct {
	ChallengeID string           `json:"challenge_id"`
	Question    string           `json:"question"`
	TTL         int              `json:"ttl"`
	Images      []imageRefOutput `json:"images"`
}

type gridChallengeOutput struct {
	ChallengeID string `json:"challenge_id"`
	URL         string `json:"url"`
	TTL         int    `json:"ttl"`
	GridSize    int    `json:"grid_size"`
	TargetLabel string `json:"target_label"`
	Question    string `json:"question"`
}

type handwritingChallengeOutput struct {
	ChallengeID string   `json:"challenge_id"`
	Samples     []string `json:"samples"`
	TTL         int      `json:"ttl"`
}

type selectionVerifyInput struct {
	CaptchaToken string   `json:"captcha_token"`
	ChallengeID  string   `json:"challenge_id"`
	Selections   []int    `json:"selections"`
	Signatures   []string `json:"signatures,omitempty"`
}

type handwritingVerifyInput struct {
	CaptchaToken string `json:"captcha_token"`
	ChallengeID  string `json:"challenge_id"`
	ImageBase64  string `json:"image_base64"`
}

type verifyOutput struct {
	Success  bool `json:"success"`
	Attempts int  `json:"attempts"`
}

type tokenVerifyInput struct {
	CaptchaToken    string `json:"captcha_token"`
	CaptchaResponse string `json:"captcha_response,omitempty"`
}

type tokenVerifyOutput struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type operationOutput struct {
	Success bool `json:"success"`
}

type blockIPInput struct {
	IP     string `json:"ip"`
	APIKey string `json:"api_key,omitempty"`
	Reason string `json:"reason,omitempty"`
}
