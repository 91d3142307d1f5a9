package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/leadflow/internal/delivery"
	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/types"
)

// DefaultMaxAttempts is the per-channel attempt limit when none is configured.
const DefaultMaxAttempts = 3

// Settings configures campaign creation and test-mode routing.
type Settings struct {
	Sender         string
	MaxAttempts    map[types.Channel]int
	TestRecipients map[types.Channel]string
}

// Store is the persistence the service needs.
type Store interface {
	GetEntity(ctx context.Context, id uuid.UUID) (*types.Entity, error)
	SaveCampaign(ctx context.Context, c *types.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*types.Campaign, error)
	UpdateCampaignSend(ctx context.Context, id uuid.UUID, testMode bool, scheduledAt *time.Time) error
}

// SendRequest asks for a campaign to be sent on some channels, now or at
// ScheduleAt. In test mode every message goes to the configured test
// recipient of its channel instead of the business.
type SendRequest struct {
	Channels   []types.Channel `json:"channels" validate:"required,min=1,dive,oneof=email sms whatsapp"`
	ScheduleAt *time.Time      `json:"schedule_at,omitempty"`
	TestMode   bool            `json:"test_mode,omitempty"`
}

// SendResponse reports what a send request did per channel.
type SendResponse struct {
	CampaignID  uuid.UUID            `json:"campaign_id"`
	Scheduled   bool                 `json:"scheduled"`
	ScheduledAt *time.Time           `json:"scheduled_at,omitempty"`
	TestMode    bool                 `json:"test_mode"`
	Aggregate   types.CampaignStatus `json:"aggregate"`
	Channels    []delivery.Report    `json:"channels"`
}

// Service prepares and sends outreach campaigns.
type Service struct {
	store      Store
	rec        *delivery.Reconciler
	dispatcher *delivery.Dispatcher
	composer   *Composer
	settings   Settings
	scheduler  *Scheduler
	validate   *validator.Validate
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a service sending through dispatcher. It installs the
// per-channel message rendering on the dispatcher.
func NewService(store Store, rec *delivery.Reconciler, dispatcher *delivery.Dispatcher, settings Settings, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:      store,
		rec:        rec,
		dispatcher: dispatcher,
		composer:   NewComposer(settings.Sender),
		settings:   settings,
		validate:   validator.New(),
		logger:     logger.Named("outreach"),
		now:        time.Now,
	}
	s.scheduler = NewScheduler(s.fire, s.logger)
	dispatcher.SetMessageFunc(MessageFor)
	return s
}

// Close drops scheduled sends that have not fired yet.
func (s *Service) Close() {
	s.scheduler.Close()
}

// Scheduled returns the number of campaigns waiting for a scheduled send.
func (s *Service) Scheduled() int {
	return s.scheduler.Pending()
}

func (s *Service) maxAttempts(ch types.Channel) int {
	if n := s.settings.MaxAttempts[ch]; n > 0 {
		return n
	}
	return DefaultMaxAttempts
}

// ValidateOptions rejects automatic outreach the service cannot honor: test
// mode requires a test recipient for every requested channel.
func (s *Service) ValidateOptions(opts types.OutreachOptions) error {
	for _, ch := range opts.Channels {
		if !ch.Valid() {
			return &provider.ValidationError{Field: "outreach.channels", Message: fmt.Sprintf("unknown channel %q", ch)}
		}
		if opts.TestMode && s.settings.TestRecipients[ch] == "" {
			return &provider.ValidationError{Field: "outreach.test_mode", Message: fmt.Sprintf("no test recipient configured for %s", ch)}
		}
	}
	return nil
}

// Prepare creates the campaign of an entity, or returns the existing one.
// Channels start disabled; SendCampaign enables them.
func (s *Service) Prepare(ctx context.Context, cfg types.RunConfig, e types.Entity) (*types.Campaign, error) {
	if e.CampaignID != nil {
		c, err := s.store.GetCampaign(ctx, *e.CampaignID)
		if err != nil {
			return nil, fmt.Errorf("failed to load campaign: %w", err)
		}
		if c != nil {
			return c, nil
		}
	}

	c := types.NewCampaign(e.RunID, e.ID, s.now().UTC())
	c.TestMode = cfg.Outreach.TestMode
	if err := s.composer.Compose(cfg, e, c); err != nil {
		return nil, err
	}
	for ch, d := range c.Channels {
		d.MaxAttempts = s.maxAttempts(ch)
		d.Recipient = RecipientFor(e.Contact, ch)
	}
	if err := s.store.SaveCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save campaign: %w", err)
	}
	return c, nil
}

// SendCampaign enables the requested channels and dispatches them, either
// immediately or at req.ScheduleAt. Channels without a recipient, or
// already dispatched, are reported as ignored.
func (s *Service) SendCampaign(ctx context.Context, campaignID uuid.UUID, req SendRequest) (*SendResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, provider.FromValidator(err)
	}
	channels := union(nil, req.Channels)
	if req.TestMode {
		if err := s.ValidateOptions(types.OutreachOptions{Channels: channels, TestMode: true}); err != nil {
			return nil, err
		}
	}

	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return nil, &types.NotFoundError{Resource: "campaign", ID: campaignID.String()}
	}
	entity, err := s.store.GetEntity(ctx, c.EntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entity: %w", err)
	}
	if entity == nil {
		return nil, &types.NotFoundError{Resource: "entity", ID: c.EntityID.String()}
	}

	var at *time.Time
	if req.ScheduleAt != nil && req.ScheduleAt.After(s.now()) {
		t := req.ScheduleAt.UTC()
		at = &t
	}
	if err := s.store.UpdateCampaignSend(ctx, campaignID, req.TestMode, at); err != nil {
		return nil, fmt.Errorf("failed to record send options: %w", err)
	}

	resp := &SendResponse{CampaignID: campaignID, TestMode: req.TestMode, ScheduledAt: at}
	var ready []types.Channel
	for _, ch := range channels {
		recipient := RecipientFor(entity.Contact, ch)
		if req.TestMode {
			recipient = s.settings.TestRecipients[ch]
		}
		rep, err := s.enable(ctx, campaignID, ch, recipient)
		if err != nil {
			return nil, err
		}
		if rep.Disposition == delivery.Ignored {
			resp.Channels = append(resp.Channels, rep)
			continue
		}
		ready = append(ready, ch)
		if at != nil {
			resp.Channels = append(resp.Channels, rep)
		}
	}

	if at != nil {
		if len(ready) > 0 {
			if err := s.scheduler.Schedule(campaignID, ready, *at); err != nil {
				return nil, err
			}
			resp.Scheduled = true
		}
		return s.finish(ctx, resp)
	}

	reports, err := s.dispatch(ctx, campaignID, ready)
	resp.Channels = append(resp.Channels, reports...)
	if err != nil {
		return resp, err
	}
	return s.finish(ctx, resp)
}

func (s *Service) finish(ctx context.Context, resp *SendResponse) (*SendResponse, error) {
	c, err := s.store.GetCampaign(ctx, resp.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if c != nil {
		resp.Aggregate = delivery.Aggregate(c)
	}
	return resp, nil
}

// enable turns a channel on with its recipient, on the channel's actor.
func (s *Service) enable(ctx context.Context, campaignID uuid.UUID, ch types.Channel, recipient string) (delivery.Report, error) {
	return s.rec.Mutate(ctx, campaignID, ch, func(_ context.Context, _ *types.Campaign, d *types.ChannelDelivery) (delivery.Result, error) {
		if !delivery.Dispatchable(d.State) || d.Attempts > 0 {
			return delivery.Result{Disposition: delivery.Ignored, Reason: "already dispatched"}, nil
		}
		if recipient == "" {
			return delivery.Result{Disposition: delivery.Ignored, Reason: "no recipient for channel"}, nil
		}
		d.Enabled = true
		d.Recipient = recipient
		d.UpdatedAt = s.now().UTC()
		return delivery.Result{Disposition: delivery.Applied}, nil
	})
}

// dispatch sends channels concurrently until each settles. Only fatal and
// context errors are returned; other send failures show in the reports.
func (s *Service) dispatch(ctx context.Context, campaignID uuid.UUID, channels []types.Channel) ([]delivery.Report, error) {
	reports := make([]delivery.Report, len(channels))
	g := &errgroup.Group{}
	for i, ch := range channels {
		g.Go(func() error {
			rep, err := s.dispatcher.SendUntilSettled(ctx, campaignID, ch)
			reports[i] = rep
			if err == nil {
				return nil
			}
			if provider.IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			var nf *types.NotFoundError
			if errors.As(err, &nf) {
				return err
			}
			s.logger.Info("channel send failed",
				zap.String("campaign_id", campaignID.String()),
				zap.String("channel", string(ch)),
				zap.String("state", string(rep.State)),
				zap.Error(err),
			)
			return nil
		})
	}
	return reports, g.Wait()
}

func (s *Service) fire(ctx context.Context, campaignID uuid.UUID, channels []types.Channel) {
	if _, err := s.dispatch(ctx, campaignID, channels); err != nil {
		s.logger.Warn("scheduled send failed",
			zap.String("campaign_id", campaignID.String()),
			zap.Error(err),
		)
	}
}
