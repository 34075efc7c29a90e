package logging

import "github.com/sirupsen/logrus"

// RetryLogger 将 retryablehttp 的 LeveledLogger 输出转接到 logrus。
// 单次请求失败会被重试覆盖，因此 Error 降级为 Warn。
type RetryLogger struct {
	Logger *logrus.Logger
}

func (l RetryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Warn(msg)
}

func (l RetryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Warn(msg)
}

func (l RetryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Info(msg)
}

func (l RetryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Debug(msg)
}

func (l RetryLogger) entry(keysAndValues []interface{}) *logrus.Entry {
	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fields := logrus.Fields{"action": "upstream_retry"}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i+1]
	}
	return logger.WithFields(fields)
}
