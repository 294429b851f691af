// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metricsexporter_test

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/metricsexporter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGaugeAndServe(t *testing.T) {
	e := metricsexporter.New("127.0.0.1:0", logr.Discard())
	e.SetGauge(`ms_norm_cost{flow="1"}`, 0.5)
	e.SetGauge(`ms_samples_total`, 42)

	body := fetchBody(t, e)
	assert.Contains(t, body, "ms_samples_total 42\n")
	assert.Contains(t, body, `ms_norm_cost{flow="1"} 0.5`)
}

func TestSetGaugeOverwrites(t *testing.T) {
	e := metricsexporter.New("127.0.0.1:0", logr.Discard())
	e.SetGauge("ms_gauge", 1)
	e.SetGauge("ms_gauge", 2)

	body := fetchBody(t, e)
	assert.Contains(t, body, "ms_gauge 2\n")
	assert.NotContains(t, body, "ms_gauge 1\n")
}

// fetchBody starts the exporter and fetches its body over a real HTTP
// connection, matching the "accept any connection" contract (spec §4.13).
func fetchBody(t *testing.T, e *metricsexporter.Exporter) string {
	t.Helper()

	require.NoError(t, e.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})

	resp, err := http.Get("http://" + e.Addr() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
