package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"

	"github.com/doorctl/fleetd/pkg/driver"
	"github.com/doorctl/fleetd/pkg/fleet"
	"github.com/doorctl/fleetd/pkg/models"
)

var errNeedTwoDevices = errors.New("card synchronization requires at least 2 enabled devices")

// cardEntry is one card number as seen during the scan phase. The first
// device to report the card defines the owning identity.
type cardEntry struct {
	Card    uint32      `json:"card"`
	UID     uint16      `json:"uid"`
	Name    string      `json:"name"`
	Devices []string    `json:"devices"`
	user    models.User
}

// CardConflict records two uids claiming the same card number. Propagation
// follows the first-seen uid; the conflict is reported, not resolved.
type CardConflict struct {
	Card        uint32 `json:"card"`
	KeptUID     uint16 `json:"kept_uid"`
	ConflictUID uint16 `json:"conflict_uid"`
	DeviceID    string `json:"device_id"`
}

// cardScan is the analysis outcome: which card lives where, and where it
// is missing.
type cardScan struct {
	entries   map[uint32]*cardEntry
	conflicts []CardConflict
	deviceIDs []string
}

// scanCards lists every enabled device in parallel and indexes users by
// card number, skipping the "no card" sentinel 0.
func (e *Engine) scanCards(ctx context.Context) (*cardScan, error) {
	scan := &cardScan{entries: make(map[uint32]*cardEntry)}

	var mu stdsync.Mutex

	_, err := e.exec.Run(ctx, e.registry.Enabled(), "scanCards", func(ctx context.Context, dev models.DeviceConfig) fleet.Result {
		var users []models.User

		err := e.conns.WithSession(ctx, &dev, func(ctx context.Context, sess driver.Session) error {
			var err error
			users, err = sess.ListUsers(ctx)

			return err
		})
		if err != nil {
			return fleet.Failure(err.Error())
		}

		mu.Lock()
		scan.deviceIDs = append(scan.deviceIDs, dev.ID)

		for _, u := range users {
			if u.Card == 0 {
				continue
			}

			entry, ok := scan.entries[u.Card]
			if !ok {
				scan.entries[u.Card] = &cardEntry{
					Card: u.Card, UID: u.UID, Name: u.Name,
					Devices: []string{dev.ID}, user: u,
				}

				continue
			}

			if entry.UID != u.UID {
				scan.conflicts = append(scan.conflicts, CardConflict{
					Card: u.Card, KeptUID: entry.UID, ConflictUID: u.UID, DeviceID: dev.ID,
				})
			}

			// The device holds the card either way; conflicting records
			// are reported, never overwritten.
			entry.Devices = append(entry.Devices, dev.ID)
		}
		mu.Unlock()

		return fleet.Success(fmt.Sprintf("%d users scanned", len(users)))
	})
	if err != nil {
		return nil, err
	}

	return scan, nil
}

// missingOn returns the scanned devices that do not hold the entry.
func (s *cardScan) missingOn(entry *cardEntry) []string {
	have := make(map[string]struct{}, len(entry.Devices))
	for _, id := range entry.Devices {
		have[id] = struct{}{}
	}

	var missing []string

	for _, id := range s.deviceIDs {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}

	return missing
}

// SynchronizeCards repairs card assignment drift: every card found anywhere
// in the fleet gets written to the devices missing it. Running it twice in
// a row is a no-op the second time.
func (e *Engine) SynchronizeCards(subject string) *models.Response {
	const command = "syncronizeCard"

	if len(e.registry.Enabled()) < 2 {
		return errResponse(command, errNeedTwoDevices)
	}

	e.spawn(subject, command, func(ctx context.Context) {
		e.stage(subject, command, models.StatusScanning, "scanning devices for card assignments", nil)

		scan, err := e.scanCards(ctx)
		if err != nil {
			e.stage(subject, command, models.StatusError, err.Error(), nil)

			return
		}

		e.stage(subject, command, models.StatusAnalyzing,
			fmt.Sprintf("analyzing %d cards across %d devices", len(scan.entries), len(scan.deviceIDs)), nil)

		type repair struct {
			entry   *cardEntry
			missing []string
		}

		var repairs []repair

		for _, entry := range scan.entries {
			if missing := scan.missingOn(entry); len(missing) > 0 {
				repairs = append(repairs, repair{entry: entry, missing: missing})
			}
		}

		if len(repairs) == 0 {
			e.stage(subject, command, models.StatusSuccess, "no cards to sync, fleet is consistent",
				map[string]interface{}{
					"total_cards": len(scan.entries),
					"conflicts":   scan.conflicts,
				})
			e.playFeedback(ctx, e.registry.Enabled(), driver.VoiceBeep)

			return
		}

		// Each card propagates independently; one stuck card cannot hold
		// the rest of the repair hostage.
		var (
			wg     stdsync.WaitGroup
			mu     stdsync.Mutex
			synced int
			failed int
			detail []map[string]interface{}
		)

		for _, rep := range repairs {
			wg.Add(1)

			go func(rep repair) {
				defer wg.Done()

				targets := e.devicesByID(rep.missing)

				agg, err := e.exec.Run(ctx, targets, "propagateCard", e.setUserOp(rep.entry.user))

				mu.Lock()
				defer mu.Unlock()

				switch {
				case err != nil:
					failed++
					detail = append(detail, map[string]interface{}{
						"card": rep.entry.Card, "uid": rep.entry.UID, "error": err.Error(),
					})
				case agg.Successful == agg.Total:
					synced++
					detail = append(detail, map[string]interface{}{
						"card": rep.entry.Card, "uid": rep.entry.UID, "devices": rep.missing,
					})
				default:
					failed++
					detail = append(detail, map[string]interface{}{
						"card": rep.entry.Card, "uid": rep.entry.UID, "result": agg,
					})
				}
			}(rep)
		}

		wg.Wait()

		status := models.StatusSuccess

		switch {
		case failed > 0 && synced > 0:
			status = models.StatusPartialSuccess
		case failed > 0:
			status = models.StatusFailed
		}

		e.stage(subject, command, status,
			fmt.Sprintf("%d cards synced, %d failed", synced, failed),
			map[string]interface{}{
				"total_cards":  len(scan.entries),
				"cards_synced": synced,
				"cards_failed": failed,
				"conflicts":    scan.conflicts,
				"details":      detail,
			})
		e.playFeedback(ctx, e.registry.Enabled(), feedbackIndex(status))
	})

	return accepted(command, "card synchronization started")
}

// DeleteCard clears the card assignment of one uid everywhere it exists.
func (e *Engine) DeleteCard(subject string, uid uint16) *models.Response {
	const command = "deleteCard"

	e.spawn(subject, command, func(ctx context.Context) {
		e.stage(subject, command, models.StatusValidating, fmt.Sprintf("locating uid %d", uid), nil)

		byUID, _, err := e.mergedUsers(ctx)
		if err != nil {
			e.stage(subject, command, models.StatusError, err.Error(), nil)

			return
		}

		current, ok := byUID[uid]
		if !ok {
			e.stage(subject, command, models.StatusFailed, fmt.Sprintf("uid %d: %s", uid, ErrUserNotFound), nil)

			return
		}

		if current.Card == 0 {
			e.stage(subject, command, models.StatusSuccess,
				fmt.Sprintf("user %q has no card assigned, nothing to do", current.Name), nil)

			return
		}

		e.stage(subject, command, models.StatusDeleting,
			fmt.Sprintf("removing card %d from user %q", current.Card, current.Name), nil)

		cleared := current.User
		cleared.Card = 0

		agg, err := e.exec.Run(ctx, e.devicesByID(current.Devices), command, e.setUserOp(cleared))
		if err != nil {
			e.stage(subject, command, models.StatusError, err.Error(), nil)

			return
		}

		status := agg.Status()
		e.stage(subject, command, status,
			fmt.Sprintf("card removed on %d/%d devices", agg.Successful, agg.Total),
			map[string]interface{}{"uid": uid, "card": current.Card, "result": agg})
		e.playFeedback(ctx, e.registry.Enabled(), feedbackIndex(status))
	})

	return accepted(command, fmt.Sprintf("removing card for uid %d", uid))
}
