package courses

import (
	"context"
	"math"
	"regexp"
	"slices"

	"go.uber.org/zap"

	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/logging"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/netstatus"
	"github.com/and161185/oga-courier/internal/notifications"
	"github.com/and161185/oga-courier/internal/offline"
	"github.com/and161185/oga-courier/internal/session"
	"github.com/and161185/oga-courier/internal/wallet"
)

// CommissionRate is the platform share of a completed course.
const CommissionRate = 0.1

var deliveryCodePattern = regexp.MustCompile(`^[0-9]{6}$`)

// Completion is the outcome of CompleteWithCode.
type Completion string

const (
	Completed      Completion = "completed"
	InvalidCode    Completion = "invalid_code"
	NoActiveCourse Completion = "no_active_course"
)

// Reservations are the courier's state-changing actions. Each one moves local
// state first and, only while offline, records the action for later replay.
type Reservations struct {
	board    *Board
	ledger   *wallet.Ledger
	prefs    *notifications.Preferences
	queue    *offline.Queue
	net      netstatus.Reader
	sessions session.Store
	verifier *Verifier
	log      *zap.Logger
}

// Deps groups what Reservations acts on.
type Deps struct {
	Board    *Board
	Ledger   *wallet.Ledger
	Prefs    *notifications.Preferences
	Queue    *offline.Queue
	Net      netstatus.Reader
	Sessions session.Store
	Verifier *Verifier
}

// NewReservations constructs the reservation flows over d.
func NewReservations(d Deps, log *zap.Logger) *Reservations {
	return &Reservations{
		board:    d.Board,
		ledger:   d.Ledger,
		prefs:    d.Prefs,
		queue:    d.Queue,
		net:      d.Net,
		sessions: d.Sessions,
		verifier: d.Verifier,
		log:      logging.OrNop(log),
	}
}

func (r *Reservations) driverID(ctx context.Context) string {
	s, err := r.sessions.GetSession(ctx)
	if err != nil || s == nil {
		return ""
	}
	return s.User.Livreur.ID
}

// recordIfOffline enqueues the action when the network is down. An unreadable
// network status counts as offline.
func (r *Reservations) recordIfOffline(ctx context.Context, action model.QueueAction, payload model.QueuePayload) error {
	st, err := r.net.CurrentStatus(ctx)
	if err != nil {
		r.log.Warn("network_status_unavailable", zap.Error(err))
	} else if !st.IsOffline {
		return nil
	}
	_, err = r.queue.Enqueue(ctx, offline.EnqueueInput{
		Action:           action,
		Payload:          payload,
		ConflictStrategy: model.ServerWins,
	})
	return err
}

// Accept takes an available course.
func (r *Reservations) Accept(ctx context.Context, courseID string) (model.Course, error) {
	c, err := r.board.Accept(ctx, courseID, r.driverID(ctx))
	if err != nil {
		return model.Course{}, err
	}
	if c.TypeLivraison == model.DeliveryColis {
		if err := r.prefs.NotifyPackageAccepted(ctx, c.QuartierDepart+" -> "+c.QuartierArrivee); err != nil {
			r.log.Warn("notification_failed", zap.Error(err))
		}
	}
	err = r.recordIfOffline(ctx, model.ActionCoursesAccept, model.QueuePayload{
		"courseId": c.ID,
		"amount":   c.Montant,
		"type":     string(c.TypeLivraison),
	})
	return c, err
}

// Reject declines an available course.
func (r *Reservations) Reject(ctx context.Context, courseID string) error {
	if err := r.board.Reject(ctx, courseID); err != nil {
		return err
	}
	return r.recordIfOffline(ctx, model.ActionCoursesReject, model.QueuePayload{"courseId": courseID})
}

// AcceptPressing turns a pressing offer into the active course for vehicle.
func (r *Reservations) AcceptPressing(ctx context.Context, offer model.PressingOffer, vehicle model.VehicleType) (model.Course, error) {
	if !vehicle.Valid() || !slices.Contains(offer.AvailableVehicles, vehicle) {
		return model.Course{}, errs.Validation("Vehicule non disponible pour cette offre.")
	}
	c, err := r.board.AssignExternal(ctx, OfferCourse(offer, vehicle, r.board.now()), r.driverID(ctx))
	if err != nil {
		return model.Course{}, err
	}
	err = r.recordIfOffline(ctx, model.ActionPressingAccept, model.QueuePayload{
		"offerId":  offer.ID,
		"courseId": c.ID,
		"vehicle":  string(vehicle),
	})
	return c, err
}

// StartActive starts the active course. It returns nil when there is none.
func (r *Reservations) StartActive(ctx context.Context) (*model.Course, error) {
	c, err := r.board.StartActive(ctx)
	if err != nil || c == nil {
		return c, err
	}
	return c, r.recordIfOffline(ctx, model.ActionCoursesStart, model.QueuePayload{"courseId": c.ID})
}

// Commission is the platform share of amount, rounded to the unit.
func Commission(amount int64) int64 {
	return int64(math.Round(float64(amount) * CommissionRate))
}

// CompleteActive finishes the active course and settles the wallet. It
// returns nil when there is none.
func (r *Reservations) CompleteActive(ctx context.Context) (*model.Course, error) {
	c, err := r.board.CompleteActive(ctx)
	if err != nil || c == nil {
		return c, err
	}
	commission := Commission(c.Montant)
	if _, err := r.ledger.SettleCompletedCourse(ctx, wallet.Settlement{
		CourseID:         c.ID,
		CourseAmount:     c.Montant,
		CommissionAmount: commission,
	}); err != nil {
		return c, err
	}
	return c, r.recordIfOffline(ctx, model.ActionCoursesComplete, model.QueuePayload{
		"courseId":         c.ID,
		"amount":           c.Montant,
		"commissionAmount": commission,
	})
}

// CompleteWithCode verifies the client's six-digit code before completing the active course.
func (r *Reservations) CompleteWithCode(ctx context.Context, code string) (Completion, *model.Course, error) {
	if !deliveryCodePattern.MatchString(code) {
		return "", nil, errs.Validation("Le code doit contenir 6 chiffres.")
	}
	active, err := r.board.Active(ctx)
	if err != nil {
		return "", nil, err
	}
	if active == nil {
		return NoActiveCourse, nil, nil
	}
	ok, err := r.verifier.Verify(ctx, active.ID, code)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return InvalidCode, nil, nil
	}
	c, err := r.CompleteActive(ctx)
	if err != nil {
		return "", c, err
	}
	if c == nil {
		return NoActiveCourse, nil, nil
	}
	return Completed, c, nil
}
