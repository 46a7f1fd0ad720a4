// Package logger provee un zap.Logger singleton con scoping por contexto.
//
// Inicialización (una vez en main):
//
//	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level})
//	defer logger.Sync()
//
// En componentes:
//
//	log := logger.From(ctx).With(logger.Component("throttle"))
//	log.Warn("account locked", logger.Subject(subject))
//
// Nunca pasar tokens, secretos TOTP ni códigos de respaldo como campos: los
// identificadores sensibles van enmascarados (ver SessionID, TokenID).
package logger
