package logger

import "go.uber.org/zap"

// S retorna el SugaredLogger del singleton, para logs printf-style del CLI.
func S() *zap.SugaredLogger {
	return L().Sugar()
}
