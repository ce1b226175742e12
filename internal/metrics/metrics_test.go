package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterAndServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}

	base := testutil.ToFloat64(Deliveries.WithLabelValues("mail", "sent"))
	Deliveries.WithLabelValues("mail", "sent").Inc()
	if got := testutil.ToFloat64(Deliveries.WithLabelValues("mail", "sent")); got != base+1 {
		t.Fatalf("deliveries = %v, want %v", got, base+1)
	}

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `dealwatch_deliveries_total{channel="mail",status="sent"}`) {
		t.Errorf("metrics output missing deliveries series:\n%s", body)
	}
}
