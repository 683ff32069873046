// Package logger builds *slog.Logger instances for the billing service and
// keeps attribute naming consistent across packages.
//
// New applies functional options (format, level, static attributes, context
// extractors) and wraps the chosen slog handler with LogHandlerDecorator, which
// pulls request-scoped values such as the request id out of the context on
// every record.
//
//	log := logger.New(
//		logger.WithEnvironment(cfg.Env, "billingd"),
//		logger.WithContextExtractors(requestid.LogExtractor()),
//	)
//	log.InfoContext(ctx, "subscription activated",
//		logger.SubscriptionID(sub.ID),
//		logger.PlanID(sub.PlanID),
//	)
//
// Attribute helpers return an empty slog.Attr for nil input so they can be
// passed unconditionally; slog drops empty attributes.
package logger
