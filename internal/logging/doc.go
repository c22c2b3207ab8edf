// Package logging provides the structured logger used across flowstate.
//
// Logger wraps Zap and adds:
//   - a Trace level (-2) below Debug
//   - stdout and OpenTelemetry outputs
//   - correlation fields pulled from the context (trace, session, request, worker)
//   - redaction of secret-looking fields and values
//   - level-aware sampling that never drops errors
//
// Typical use:
//
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, "sess_123")
//	logger.Info(ctx, "stage executed", zap.String("stage", "computing_stage2"))
//
// Components that only accept a *zap.Logger receive Underlying().Named(...).
package logging
