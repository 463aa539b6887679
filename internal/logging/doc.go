// Package logging provides structured logging for todosync.
//
// Logger wraps zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and optional OpenTelemetry output
//   - correlation fields taken from the context (trace_id, user.id,
//     operation.id, request.id)
//   - encoder-level redaction of credentials
//   - sampling below Error level
//
// Long-lived components (store, monitor, engine) take a *zap.Logger and use
// zap.NewNop() when given nil; pass Logger.Underlying() to them.
//
//	cfg, _ := logging.FromAppConfig(appCfg.Logging)
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithOperationID(ctx, op.ID)
//	logger.Info(ctx, "operation applied", zap.String("table", string(op.Table)))
package logging
