package sessiontap

import (
	"errors"
	"runtime"
	"strings"
)

func normalizeBaseURL(baseURL string) (string, error) {
	s := strings.TrimSpace(baseURL)
	if s == "" {
		return "", errors.New("baseURL is required")
	}
	return strings.TrimRight(s, "/"), nil
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// mergeStringMap returns a new map holding a overlaid with b.
func mergeStringMap(a, b map[string]string) map[string]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func sdkInfo() map[string]string {
	return map[string]string{
		"name":    SDKName,
		"version": SDKVersion,
		"runtime": "go",
		"goos":    runtime.GOOS,
		"goarch":  runtime.GOARCH,
	}
}
