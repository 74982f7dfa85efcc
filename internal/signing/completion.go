package signing

import (
	"github.com/seal-protocol/internal/db/models"
)

type Outcome string

const (
	InProgress  Outcome = "IN_PROGRESS"
	Rejected    Outcome = "REJECTED"
	ReadyToSeal Outcome = "READY_TO_SEAL"
)

// Classify inspects all recipients and decides the envelope's fate.
// Pure and idempotent: the same input always yields the same outcome.
// Passive recipients (CC, VIEWER) count as signed because they never
// actively act; the caller force-marks them SIGNED in the seal
// transaction.
func Classify(recipients []models.Recipient) Outcome {
	for _, r := range recipients {
		if r.Passive() {
			continue
		}
		if r.SigningStatus == models.StatusRejected {
			return Rejected
		}
	}
	for _, r := range recipients {
		if r.Passive() {
			continue
		}
		if r.SigningStatus != models.StatusSigned {
			return InProgress
		}
	}
	return ReadyToSeal
}
