package signing

import (
	"fmt"
	"sort"

	"github.com/seal-protocol/internal/apperr"
	"github.com/seal-protocol/internal/db/models"
)

// CanAct decides whether the actor may sign now. PARALLEL envelopes
// never gate. SEQUENTIAL envelopes require every earlier non-CC
// recipient to be SIGNED. A missing or duplicate signing order under
// SEQUENTIAL is a configuration error, not a client error.
func CanAct(envelope *models.Envelope, recipients []models.Recipient, actor *models.Recipient) error {
	if envelope.SigningOrder != models.OrderSequential {
		return nil
	}
	if actor.Passive() {
		return nil
	}
	if actor.SigningOrder == nil {
		return apperr.New(apperr.Internal,
			fmt.Sprintf("recipient %s has no signing order on a sequential envelope", actor.ID))
	}

	seen := make(map[int]string)
	for _, r := range recipients {
		if r.Passive() {
			continue
		}
		if r.SigningOrder == nil {
			return apperr.New(apperr.Internal,
				fmt.Sprintf("recipient %s has no signing order on a sequential envelope", r.ID))
		}
		if prev, dup := seen[*r.SigningOrder]; dup {
			return apperr.New(apperr.Internal,
				fmt.Sprintf("recipients %s and %s share signing order %d", prev, r.ID, *r.SigningOrder))
		}
		seen[*r.SigningOrder] = r.ID

		if *r.SigningOrder < *actor.SigningOrder && r.SigningStatus != models.StatusSigned {
			return apperr.New(apperr.Conflict, "not yet this recipient's turn")
		}
	}
	return nil
}

// NextPending returns the recipient whose turn arrives once the given
// recipient completes, or nil when nobody is waiting. Only meaningful
// for SEQUENTIAL envelopes; PARALLEL envelopes invite everyone at
// distribution time.
func NextPending(envelope *models.Envelope, recipients []models.Recipient, completed *models.Recipient) *models.Recipient {
	if envelope.SigningOrder != models.OrderSequential || completed.SigningOrder == nil {
		return nil
	}

	candidates := make([]*models.Recipient, 0, len(recipients))
	for i := range recipients {
		r := &recipients[i]
		if r.Passive() || r.SigningOrder == nil {
			continue
		}
		if *r.SigningOrder > *completed.SigningOrder && r.SigningStatus == models.StatusNotSigned {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return *candidates[i].SigningOrder < *candidates[j].SigningOrder
	})
	return candidates[0]
}

// FirstTurn returns the recipients to invite at initial distribution:
// everyone active under PARALLEL, the lowest signing order under
// SEQUENTIAL. CC recipients are never invited to act.
func FirstTurn(envelope *models.Envelope, recipients []models.Recipient) []*models.Recipient {
	active := make([]*models.Recipient, 0, len(recipients))
	for i := range recipients {
		if !recipients[i].Passive() {
			active = append(active, &recipients[i])
		}
	}
	if envelope.SigningOrder != models.OrderSequential {
		return active
	}

	var first *models.Recipient
	for _, r := range active {
		if r.SigningOrder == nil {
			continue
		}
		if first == nil || *r.SigningOrder < *first.SigningOrder {
			first = r
		}
	}
	if first == nil {
		return nil
	}
	return []*models.Recipient{first}
}
