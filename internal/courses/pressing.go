package courses

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/oga-courier/internal/config"
	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/httpclient"
	"github.com/and161185/oga-courier/internal/logging"
	"github.com/and161185/oga-courier/internal/model"
)

const (
	offersPath     = "/pressing/offers"
	verifyCodePath = "/pressing/verify-delivery-code"
)

// Pressing talks to the laundry partner endpoints.
type Pressing struct {
	api          httpclient.API
	mockFallback bool
	now          func() time.Time
	log          *zap.Logger
}

// NewPressing constructs the pressing client.
func NewPressing(api httpclient.API, cfg config.Config, log *zap.Logger) *Pressing {
	return &Pressing{
		api:          api,
		mockFallback: cfg.Auth.EnableMockAuthFallback && !cfg.IsProduction(),
		now:          time.Now,
		log:          logging.OrNop(log),
	}
}

func (p *Pressing) offline(err error) bool {
	return p.mockFallback && errs.KindOf(err) == errs.KindNetwork
}

// Offers lists open pressing offers, or the demo offers when the backend is
// unreachable and the mock fallback is on.
func (p *Pressing) Offers(ctx context.Context) ([]model.PressingOffer, error) {
	var offers []model.PressingOffer
	err := p.api.Get(ctx, offersPath, &offers, nil)
	if err != nil && p.offline(err) && ctx.Err() == nil {
		p.log.Warn("pressing_offers_using_fallback", zap.Error(err))
		return SeedOffers(p.now()), nil
	}
	return offers, err
}

type verifyRequest struct {
	CourseID string `json:"courseId"`
	Code     string `json:"code"`
}

type verifyResponse struct {
	IsValid *bool `json:"isValid"`
	Valid   *bool `json:"valid"`
}

// VerifyDeliveryCode asks the backend whether code confirms the delivery of courseID.
func (p *Pressing) VerifyDeliveryCode(ctx context.Context, courseID, code string) (bool, error) {
	var resp verifyResponse
	err := p.api.Post(ctx, verifyCodePath, verifyRequest{CourseID: courseID, Code: code}, &resp,
		&httpclient.RequestOptions{RetryCount: httpclient.Retries(1)})
	if err != nil {
		if p.offline(err) && ctx.Err() == nil {
			p.log.Warn("pressing_verify_using_fallback", zap.String("courseID", courseID))
			expected, ok := MockDeliveryCodes[strings.TrimPrefix(courseID, "course_")]
			return ok && expected == code, nil
		}
		return false, err
	}
	if resp.IsValid != nil {
		return *resp.IsValid, nil
	}
	return resp.Valid != nil && *resp.Valid, nil
}

// Verifier runs one verification at a time: starting a new one cancels the
// one still in flight.
type Verifier struct {
	pressing *Pressing

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// NewVerifier wraps p so each Verify cancels the one still in flight.
func NewVerifier(p *Pressing) *Verifier { return &Verifier{pressing: p} }

// Verify checks code for courseID, cancelling any earlier call.
func (v *Verifier) Verify(ctx context.Context, courseID, code string) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	v.mu.Lock()
	if v.cancel != nil {
		v.cancel()
	}
	v.seq++
	seq := v.seq
	v.cancel = cancel
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		if v.seq == seq {
			v.cancel = nil
		}
		v.mu.Unlock()
		cancel()
	}()
	return v.pressing.VerifyDeliveryCode(ctx, courseID, code)
}

// OfferCourse turns an accepted pressing offer into a course.
func OfferCourse(o model.PressingOffer, vehicle model.VehicleType, now time.Time) model.Course {
	return model.Course{
		ID:              "course_" + o.ID,
		QuartierDepart:  o.PickupAddress,
		QuartierArrivee: o.DropoffAddress,
		Distance:        o.Distance,
		Montant:         o.Amount,
		TypeLivraison:   model.DeliveryPressing,
		Statut:          model.CourseDisponible,
		DateCreation:    now.UTC(),
		ClientID:        "client_" + o.ID,
		InfosClient: model.ClientInfo{
			Nom:       o.ClientName,
			Telephone: o.ClientPhone,
			Adresse:   o.PickupAddress,
		},
		TypePaiement:     model.PaymentDejaPaye,
		Notes:            "Livraison pressing - " + o.PressingName,
		VehiculeAttribue: vehicle,
	}
}
