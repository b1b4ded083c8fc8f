package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog(t *testing.T) {
	t.Run("can log", func(t *testing.T) {
		Logger().Info("Works")
	})
	t.Run("has correct module field", func(t *testing.T) {
		assert.Equal(t, "mdoc-holder", Logger().Data[FieldModule])
		assert.Equal(t, "transport", Module("transport").Data[FieldModule])
	})
}

func TestConfigure(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)
	defer logrus.SetFormatter(&logrus.TextFormatter{})

	require.NoError(t, Configure("debug", "json"))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	err := Configure("info", "xml")
	var formatErr *UnsupportedFormatError
	assert.ErrorAs(t, err, &formatErr)

	assert.Error(t, Configure("loud", "text"))
}
