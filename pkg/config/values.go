package config

import (
	"strconv"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
)

func AsBool(item common.ConfigItem) bool {
	return common.EnvToBool(item.Value())
}

func AsInt(item common.ConfigItem, fallback int) int {
	v, err := strconv.Atoi(item.Value())
	if err != nil {
		return fallback
	}

	return v
}

func AsFloat(item common.ConfigItem, fallback float64) float64 {
	v, err := strconv.ParseFloat(item.Value(), 64)
	if err != nil {
		return fallback
	}

	return v
}

// AsSeconds parses a numeric value as a duration in seconds.
func AsSeconds(item common.ConfigItem, fallback time.Duration) time.Duration {
	v, err := strconv.Atoi(item.Value())
	if err != nil || v <= 0 {
		return fallback
	}

	return time.Duration(v) * time.Second
}
