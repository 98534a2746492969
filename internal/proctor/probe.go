package proctor

import "github.com/stemsi/proctord/internal/model"

// Probe checks that every primitive required for a secure session is present.
// It never retries: a missing capability is a property of the environment.
func Probe(caps CapabilitySet, requireSecureTransport bool) model.CapabilityResult {
	var missing []model.Feature
	if !caps.Fullscreen {
		missing = append(missing, model.FeatureFullscreen)
	}
	if !caps.MediaCapture {
		missing = append(missing, model.FeatureMediaCapture)
	}
	if requireSecureTransport && !caps.SecureTransport {
		missing = append(missing, model.FeatureSecureTransport)
	}
	return model.CapabilityResult{OK: len(missing) == 0, Missing: missing}
}
