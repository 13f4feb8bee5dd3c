package service

import (
	"otp-service/internal/config"
	"otp-service/internal/events"
	"otp-service/internal/model"
	"otp-service/internal/notify"

	"go.uber.org/zap"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg        *config.Config
	store      model.OTPStore
	hasher     Hasher
	notifier   notify.Notifier
	publisher  events.Publisher
	identities *events.IdentityHasher
	logger     *zap.Logger
	otpService *OTPService
}

func NewServiceFactory(
	cfg *config.Config,
	store model.OTPStore,
	hasher Hasher,
	notifier notify.Notifier,
	publisher events.Publisher,
	identities *events.IdentityHasher,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:        cfg,
		store:      store,
		hasher:     hasher,
		notifier:   notifier,
		publisher:  publisher,
		identities: identities,
		logger:     logger,
	}
}

// OptionsFromConfig maps the OTP, store and mail sections onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CodeLength:      cfg.OTP.CodeLength,
		TTL:             cfg.OTP.TTL,
		MaxAttempts:     cfg.OTP.MaxAttempts,
		StoreTimeout:    cfg.OTP.StoreTimeout,
		DeliveryTimeout: cfg.OTP.DeliveryTimeout,
		Subject:         cfg.Mail.Subject,
		Retention:       cfg.Store.Retention,
		PruneInterval:   cfg.Store.PruneInterval,
	}
}

// OTPService returns the OTP service instance (singleton)
func (f *ServiceFactory) OTPService() *OTPService {
	if f.otpService == nil {
		f.otpService = NewOTPService(
			f.store,
			f.hasher,
			f.notifier,
			OptionsFromConfig(f.cfg),
			f.logger.Named("otp"),
			WithPublisher(f.publisher),
			WithIdentityHasher(f.identities),
		)
	}
	return f.otpService
}
