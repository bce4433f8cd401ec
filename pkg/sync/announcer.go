package sync

import (
	"github.com/doorctl/fleetd/pkg/bus"
	"github.com/doorctl/fleetd/pkg/logger"
	"github.com/doorctl/fleetd/pkg/models"
)

type busAnnouncer struct {
	pub bus.Publisher
	log logger.Logger
}

// NewAnnouncer publishes staged responses through the message bus.
// Publishing is fire and forget; a dropped stage never fails a workflow.
func NewAnnouncer(pub bus.Publisher, log logger.Logger) Announcer {
	return &busAnnouncer{pub: pub, log: log}
}

func (a *busAnnouncer) Announce(subject string, resp *models.Response) {
	bus.PublishJSON(a.pub, a.log, subject, resp)
}
