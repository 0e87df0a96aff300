package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efarrell-labs/alertrunner/internal/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestJSONLSourceParsesEvents(t *testing.T) {
	feed := strings.Join([]string{
		`{"type":"NEW","underlying":"SPY","strike":500,"expiry":"2026-09-18","direction":"CALL","quantity":1,"price":1.0,"stop":0.5}`,
		`{"type":"TRIM","underlying":"SPY","strike":500,"expiry":"2026-09-18","direction":"CALL","quantity":1}`,
	}, "\n")
	src := NewJSONLSource(strings.NewReader(feed), quietLogger())

	event, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.EventNew, event.Type)
	assert.Equal(t, "SPY", event.Underlying)
	assert.False(t, event.Timestamp.IsZero())

	event, err = src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.EventTrim, event.Type)

	_, err = src.Next(context.Background())
	assert.True(t, errors.Is(err, io.EOF))
}

func TestJSONLSourceJunkBecomesIgnore(t *testing.T) {
	feed := strings.Join([]string{
		`this is not json at all`,
		`{"type":"NEW"}`, // missing contract fields
		`{"type":"WARP_DRIVE","underlying":"SPY"}`,
		``,
		`{"type":"RISK_NOTE","underlying":"SPY"}`,
	}, "\n")
	src := NewJSONLSource(strings.NewReader(feed), quietLogger())

	for i := 0; i < 3; i++ {
		event, err := src.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.EventIgnore, event.Type, "line %d", i)
	}

	event, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.EventRiskNote, event.Type)
}

func TestJSONLSourceHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := NewJSONLSource(strings.NewReader(`{"type":"RISK_NOTE"}`), quietLogger())
	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
