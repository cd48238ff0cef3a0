// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDAQ/pkg/logging"
	"github.com/AleutianAI/AleutianDAQ/services/daq/datatypes"
)

func testRecord(t datatypes.AnomalyType, sev datatypes.Severity) datatypes.AnomalyRecord {
	r := datatypes.SensorReading{Timestamp: time.Now().UTC(), MachineID: "MACHINE_001", SensorType: datatypes.SensorTemperature, Value: 45}
	return datatypes.NewAnomalyRecord(r, t, sev)
}

func TestHub_SubscribeAndFanOut(t *testing.T) {
	hub := NewHub(logging.Discard())
	_, a, unsubA := hub.Subscribe()
	_, b, unsubB := hub.Subscribe()
	defer unsubB()
	assert.Equal(t, 2, hub.Subscribers())

	rec := testRecord(datatypes.AnomalyOutOfRange, datatypes.SeverityHigh)
	require.NoError(t, hub.RecordAnomaly(context.Background(), rec))

	for _, ch := range []<-chan StreamEvent{a, b} {
		ev := <-ch
		assert.Equal(t, EventAnomaly, ev.Type)
		require.NotNil(t, ev.Anomaly)
		assert.Equal(t, rec.ID, ev.Anomaly.ID)
	}

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open, "unsubscribe closes the channel")
	assert.Equal(t, 1, hub.Subscribers())
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(logging.Discard())
	_, _, unsub := hub.Subscribe()
	defer unsub()

	rec := testRecord(datatypes.AnomalyLowQuality, datatypes.SeverityLow)
	for i := 0; i < streamBuffer+3; i++ {
		require.NoError(t, hub.RecordAnomaly(context.Background(), rec))
	}
	assert.Equal(t, int64(3), hub.Dropped())
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(logging.Discard())
	_, ch, unsub := hub.Subscribe()
	hub.Close()
	_, open := <-ch
	assert.False(t, open)
	unsub()

	_, late, _ := hub.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscriptions after Close are closed immediately")
	assert.Zero(t, hub.Subscribers())
}

func TestHandleStream_DeliversAnomalies(t *testing.T) {
	hub := NewHub(logging.Discard())
	router := gin.New()
	router.GET("/v1/anomalies/stream", hub.HandleStream)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/anomalies/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello StreamEvent
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, EventHello, hello.Type)
	assert.NotEmpty(t, hello.Session)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	rec := testRecord(datatypes.AnomalyHighVibration, datatypes.SeverityCritical)
	require.NoError(t, hub.RecordAnomaly(context.Background(), rec))

	var ev StreamEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventAnomaly, ev.Type)
	require.NotNil(t, ev.Anomaly)
	assert.Equal(t, rec.ID, ev.Anomaly.ID)
	assert.Equal(t, datatypes.SeverityCritical, ev.Anomaly.Severity)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	srv := NewServer(ln.Addr().String(), router, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
