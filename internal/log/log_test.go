package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestConfigure(t *testing.T) {
	defer Configure("", "")

	Configure("debug", "json")
	assert.Equal(t, logrus.DebugLevel, GetLogger().GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, GetLogger().Formatter)

	Configure("WARN", "text")
	assert.Equal(t, logrus.WarnLevel, GetLogger().GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, GetLogger().Formatter)

	Configure("verbose", "")
	assert.Equal(t, logrus.InfoLevel, GetLogger().GetLevel())

	assert.Equal(t, "final_project", ForGraph("final_project").Data["graph"])
}
