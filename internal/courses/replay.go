package courses

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/httpclient"
	"github.com/and161185/oga-courier/internal/logging"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/offline"
)

// ReplayPaths maps each queued action to the backend endpoint that replays it.
var ReplayPaths = map[model.QueueAction]string{
	model.ActionCoursesAccept:   "/courses/accept",
	model.ActionCoursesReject:   "/courses/reject",
	model.ActionCoursesStart:    "/courses/start",
	model.ActionCoursesComplete: "/courses/complete",
	model.ActionPressingAccept:  "/pressing/accept",
}

// RegisterReplay installs backend handlers for every course action. A 409
// under server_wins means the server already disagrees; the item is dropped.
// Under client_wins every request carries force so the server overrides its state.
func RegisterReplay(s *offline.Syncer, api httpclient.API, log *zap.Logger) {
	log = logging.OrNop(log)
	for action, path := range ReplayPaths {
		s.Register(action, func(ctx context.Context, p model.QueuePayload, item model.QueueItem) error {
			body := p.Clone()
			if body == nil {
				body = model.QueuePayload{}
			}
			if item.ConflictStrategy == model.ClientWins {
				body["force"] = true
			}
			err := api.Post(ctx, path, body, nil, nil)

			var e *errs.Error
			if errors.As(err, &e) && e.Status == http.StatusConflict && item.ConflictStrategy != model.ClientWins {
				log.Info("offline_sync_conflict_server_wins", zap.String("action", string(item.Action)), zap.String("itemID", item.ID))
				return nil
			}
			return err
		})
	}
}
