package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/ledger"
	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/translation"
)

// Outcome is the result of one metered translation exchange.
type Outcome struct {
	Translation translation.Translation
	Summary     ledger.SessionSummary
}

// Controller pairs a metering session with one translation call. A failed,
// cancelled or timed out translation refunds the session; any returned
// translation, fallback included, commits it.
type Controller struct {
	meter      *Meter
	translator Translator
	logger     *zap.Logger
}

// NewController wires a Controller. Meter options are applied to the owned Meter.
func NewController(sessionLedger Ledger, translator Translator, policy Policy, options ...MeterOption) *Controller {
	meter := NewMeter(sessionLedger, policy, options...)
	return &Controller{meter: meter, translator: translator, logger: meter.logger}
}

// Meter exposes the owned meter.
func (controller *Controller) Meter() *Meter {
	return controller.meter
}

// Begin starts metering. Call it when recording starts.
func (controller *Controller) Begin(ctx context.Context) error {
	return controller.meter.Start(ctx)
}

// Translate runs the translation and then settles the session.
func (controller *Controller) Translate(ctx context.Context, text string, sourceLang string, targetLang string) (Outcome, error) {
	result, translateErr := controller.translator.Translate(ctx, text, sourceLang, targetLang)
	settleContext := context.WithoutCancel(ctx)
	if translateErr != nil {
		summary, cancelErr := controller.meter.Cancel(settleContext)
		controller.logger.Info("translation failed, session refunded",
			zap.Int64("refunded_seconds", summary.RefundedSeconds),
			zap.Error(translateErr),
		)
		return Outcome{Summary: summary}, errors.Join(translateErr, cancelErr)
	}
	summary, stopErr := controller.meter.Stop(settleContext)
	return Outcome{Translation: result, Summary: summary}, stopErr
}

// Abort refunds the session without translating, e.g. when recording is discarded.
func (controller *Controller) Abort(ctx context.Context) (ledger.SessionSummary, error) {
	return controller.meter.Cancel(context.WithoutCancel(ctx))
}
