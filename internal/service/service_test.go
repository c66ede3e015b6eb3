package service_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/CZERTAINLY/Radar/internal/model"
	"github.com/CZERTAINLY/Radar/internal/netscan"
	"github.com/CZERTAINLY/Radar/internal/registry"
	"github.com/CZERTAINLY/Radar/internal/service"
	"github.com/CZERTAINLY/Radar/internal/store/memory"
	"github.com/CZERTAINLY/Radar/internal/store/sqlite"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/stretchr/testify/require"
)

// fixed yields the raw results configured for each target.
func fixed(results map[string][]model.RawResult) model.Strategy {
	return model.StrategyFunc(func(_ context.Context, target string) iter.Seq2[model.RawResult, error] {
		return func(yield func(model.RawResult, error) bool) {
			for _, r := range results[target] {
				if !yield(r, nil) {
					return
				}
			}
		}
	})
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	reg.MustRegister(registry.Scanner{
		Definition: model.Definition{Kind: model.KindHost, Name: "hosts"},
		Strategy: fixed(map[string][]model.RawResult{
			"a": {"127.0.0.1", "127.0.0.1", "bogus"},
			"b": {"10.0.0.1"},
		}),
	})
	reg.MustRegister(registry.Scanner{
		Definition: model.Definition{Kind: model.KindUDPPort, Name: "udp"},
		Strategy: fixed(map[string][]model.RawResult{
			"a": {"53"},
		}),
	})
	return reg
}

func newService(t *testing.T, cfg model.Config, store model.ResourceStore) *service.Service {
	t.Helper()
	svc, err := service.New(t.Context(), cfg, service.WithRegistry(testRegistry(t)), service.WithStore(store))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, svc.Close(context.Background()))
	})
	return svc
}

func TestScanValues(t *testing.T) {
	t.Parallel()
	svc := newService(t, model.DefaultConfig(), memory.New())

	values, err := svc.ScanValues(t.Context(), "hosts", "a")
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrNormalization)
	require.Equal(t, []model.Value{model.MustParseIP("127.0.0.1")}, values)
}

func TestScanResources(t *testing.T) {
	t.Parallel()
	svc := newService(t, model.DefaultConfig(), memory.New())

	t.Run("ip address", func(t *testing.T) {
		resources, err := svc.ScanResources(t.Context(), "hosts", "b")
		require.NoError(t, err)
		require.Len(t, resources, 1)
		ip, ok := resources[0].(*model.IPAddress)
		require.True(t, ok)
		require.Equal(t, "10.0.0.1", ip.Address)
	})

	t.Run("udp port", func(t *testing.T) {
		resources, err := svc.ScanResources(t.Context(), "udp", "a")
		require.NoError(t, err)
		require.Len(t, resources, 1)
		open, ok := resources[0].(*model.OpenPort)
		require.True(t, ok)
		require.NotNil(t, open.Port)
		require.Equal(t, model.UDP, open.Port.Protocol)
		require.Equal(t, uint16(53), open.Port.Number)
	})
}

func TestScan_Configuration(t *testing.T) {
	t.Parallel()
	svc, err := service.New(t.Context(), model.DefaultConfig(), service.WithStore(memory.New()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	var testCases = []struct {
		scenario string
		scan     model.ScanConfig
	}{
		{"unknown scanner", model.ScanConfig{Scanner: "nope", Targets: []string{"127.0.0.1"}}},
		{"ports of host scanner", model.ScanConfig{Scanner: netscan.ICMPHosts, Targets: []string{"127.0.0.1"}, Ports: "22"}},
		{"malformed ports", model.ScanConfig{Scanner: netscan.TCPPorts, Targets: []string{"127.0.0.1"}, Ports: "22-x"}},
		{"no targets", model.ScanConfig{Scanner: netscan.TCPPorts}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, _, err := svc.Scan(t.Context(), tc.scan)
			require.Error(t, err)
			require.ErrorIs(t, err, model.ErrConfiguration)
		})
	}
}

func TestNew_Version(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	cfg.Version = 1
	_, err := service.New(t.Context(), cfg)
	require.ErrorIs(t, err, model.ErrConfiguration)
}

func TestDo(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	cfg.Pipeline.Commit = true
	cfg.Scans = []model.ScanConfig{
		{Scanner: "hosts", Targets: []string{"a", "b"}},
		{Scanner: "udp", Targets: []string{"a"}},
	}

	t.Run("json", func(t *testing.T) {
		store := memory.New()
		svc := newService(t, cfg, store)
		var buf bytes.Buffer
		require.NoError(t, svc.Do(t.Context(), &buf))

		var got cdx.BOM
		require.NoError(t, cdx.NewBOMDecoder(&buf, cdx.BOMFileFormatJSON).Decode(&got))
		names := make([]string, 0, len(*got.Components))
		for _, c := range *got.Components {
			names = append(names, c.Name)
		}
		require.ElementsMatch(t, []string{"10.0.0.1", "127.0.0.1"}, names)
		require.Len(t, *got.Services, 1)
		require.Equal(t, "53/udp", (*got.Services)[0].Name)
		require.Contains(t, *got.Properties, cdx.Property{Name: "radar:target:hosts", Value: "a=completed"})

		// ip addresses, port and open port
		require.Equal(t, 4, store.Len())
	})

	t.Run("table", func(t *testing.T) {
		cfg := cfg
		cfg.Service.Format = model.FormatTable
		svc := newService(t, cfg, memory.New())
		var buf bytes.Buffer
		require.NoError(t, svc.Do(t.Context(), &buf))
		out := buf.String()
		require.Contains(t, out, "Scanner")
		require.Contains(t, out, "127.0.0.1")
		require.Contains(t, out, "53/udp")
		require.Contains(t, out, "bogus")
	})

	t.Run("unsupported format", func(t *testing.T) {
		cfg := cfg
		cfg.Service.Format = "xml"
		store := memory.New()
		svc := newService(t, cfg, store)
		var buf bytes.Buffer
		err := svc.Do(t.Context(), &buf)
		require.ErrorIs(t, err, model.ErrConfiguration)
		require.ErrorContains(t, err, "service.format")
		require.Zero(t, buf.Len())
		// rejected before any scan ran
		require.Zero(t, store.Len())
	})

	t.Run("no scans", func(t *testing.T) {
		svc := newService(t, model.DefaultConfig(), memory.New())
		err := svc.Do(t.Context(), io.Discard)
		require.ErrorIs(t, err, model.ErrConfiguration)
	})
}

func TestNewStore(t *testing.T) {
	t.Parallel()

	store, closeStore, err := service.NewStore(t.Context(), model.StoreConfig{Type: model.StoreMemory})
	require.NoError(t, err)
	require.IsType(t, &memory.Store{}, store)
	require.NoError(t, closeStore())

	store, closeStore, err = service.NewStore(t.Context(), model.StoreConfig{
		Type: model.StoreSQLite,
		DSN:  filepath.Join(t.TempDir(), "radar.db"),
	})
	require.NoError(t, err)
	require.IsType(t, &sqlite.Store{}, store)
	require.NoError(t, closeStore())

	_, closeStore, err = service.NewStore(t.Context(), model.StoreConfig{Type: "mongodb"})
	require.ErrorIs(t, err, model.ErrConfiguration)
	require.NoError(t, closeStore())
}

func TestServeMetrics(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	var serveErr error
	wg.Go(func() {
		serveErr = service.ServeMetrics(ctx, ln)
	})

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "go_goroutines")

	cancel()
	wg.Wait()
	require.False(t, errors.Is(serveErr, http.ErrServerClosed))
	require.NoError(t, serveErr)
}
