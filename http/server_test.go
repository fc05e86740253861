package http

import (
	"context"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/daniellavrushin/pktreplay/config"
	"github.com/daniellavrushin/pktreplay/metrics"
	"github.com/daniellavrushin/pktreplay/replay"
)

func TestStartServerDisabled(t *testing.T) {
	cfg := config.NewConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	c := replay.New()
	defer c.Close()
	srv, err := StartServer(context.Background(), &cfg, c)
	if err != nil || srv != nil {
		t.Errorf("StartServer = %v, %v; want nil, nil", srv, err)
	}
}

func TestMuxServesStatusWithCors(t *testing.T) {
	cfg := config.NewConfig()
	c := replay.New()
	defer c.Close()

	ts := httptest.NewServer(cors(NewMux(context.Background(), &cfg, c, metrics.NewCollector(nil))))
	defer ts.Close()

	resp, err := stdhttp.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != stdhttp.StatusOK {
		t.Fatalf("status code %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("cors header %q", got)
	}
	var status struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.State != "idle" {
		t.Errorf("state %q", status.State)
	}

	req, _ := stdhttp.NewRequest(stdhttp.MethodOptions, ts.URL+"/api/control/abort", nil)
	resp2, err := stdhttp.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != stdhttp.StatusNoContent {
		t.Errorf("preflight status code %d", resp2.StatusCode)
	}
}
