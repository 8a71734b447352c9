package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/macsched/model"
)

const sampleYAML = `
logging:
  level: debug
  format: console
clock:
  mode: accelerated
  numerology: 1
expert:
  harqs_per_ue: 8
  cqi_margin: 0
cells:
  - index: 0
    pci: 1
    max_ues: 16
  - index: 1
    pci: 2
ues:
  - index: 1
    rnti: 17921
    cells:
      - cell: 0
        max_layers: 2
      - cell: 1
    logical_channels:
      - {lcid: 0, lcg_id: 0}
      - {lcid: 1, lcg_id: 0}
      - {lcid: 4, lcg_id: 1}
report:
  cron: "*/5 * * * *"
`

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAMLAppliesDefaults(t *testing.T) {
	cfg, err := Parse("macsched.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Logging.Format != "console" || cfg.Clock.Mode != "accelerated" || cfg.Clock.Numerology != 1 {
		t.Fatalf("decoded config = %+v", cfg)
	}
	if cfg.Expert.CQIMargin == nil || *cfg.Expert.CQIMargin != 0 {
		t.Fatalf("explicit cqi_margin 0 was overwritten: %v", cfg.Expert.CQIMargin)
	}
	if cfg.Expert.RoundTripSlots != 8 || cfg.Expert.SRGrantBytes != 512 || cfg.Expert.DLAckDelay != 4 {
		t.Fatalf("expert defaults = %+v", cfg.Expert)
	}
	if cfg.Cells[1].MaxUEs != 64 {
		t.Fatalf("cells[1].max_ues = %d, want default 64", cfg.Cells[1].MaxUEs)
	}
	if got := cfg.UEs[0].Cells[1].MaxLayers; got != 1 {
		t.Fatalf("ues[0].cells[1].max_layers = %d, want default 1", got)
	}
	if cfg.Metrics.Path != "/metrics" || cfg.Control.Addr != ":50051" {
		t.Fatalf("listener defaults = %+v %+v", cfg.Metrics, cfg.Control)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse("macsched.yaml", []byte("cells: []\nbogus: 1\n"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Parse error = %v, want ErrInvalidConfig", err)
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	_, err := Parse("macsched.json", []byte(`{"cells":[]} {"cells":[]}`))
	if err == nil || !strings.Contains(err.Error(), "trailing data") {
		t.Fatalf("Parse error = %v, want trailing data", err)
	}
}

func TestParseEmptyYAML(t *testing.T) {
	cfg, err := Parse("empty.yml", nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Clock.Mode != "realtime" {
		t.Fatalf("Clock.Mode = %q, want realtime", cfg.Clock.Mode)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg, err := Parse("macsched.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg.Clock.Mode = "warp"
	cfg.Expert.DLAckDelay = cfg.Expert.RoundTripSlots
	cfg.UEs = append(cfg.UEs, UEConfig{Index: 1, RNTI: 5})
	cfg.UEs = append(cfg.UEs, UEConfig{Index: 20, RNTI: 17921, Cells: []UECellConfig{{Cell: 0, MaxLayers: 1}}})
	cfg.Report.Cron = "not a cron"

	err = cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate error = %v, want ErrInvalidConfig", err)
	}
	for _, want := range []string{
		`clock.mode "warp"`,
		"ack delays",
		"ue 1 listed twice",
		"reuses rnti",
		"beyond max_ues 16 of cell 0",
		"report.cron",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("Validate error %q missing %q", err, want)
		}
	}
}

func TestValidateRejectsUnknownCell(t *testing.T) {
	cfg, err := Parse("macsched.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg.UEs[0].Cells = append(cfg.UEs[0].Cells, UECellConfig{Cell: 9, MaxLayers: 1})
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "unknown cell 9") {
		t.Fatalf("Validate error = %v, want unknown cell 9", err)
	}
}

func TestGroupConfigAndRequests(t *testing.T) {
	cfg, err := Parse("macsched.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	gc := cfg.GroupConfig()
	if err := gc.Validate(); err != nil {
		t.Fatalf("GroupConfig().Validate: %v", err)
	}
	if gc.Harq.MaxUEs != 64 || gc.Harq.NofDLHarqs != 8 || gc.CQIMargin != 0 || gc.Numerology != 1 {
		t.Fatalf("GroupConfig() = %+v", gc)
	}

	reqs := cfg.CreateRequests()
	if len(reqs) != 1 {
		t.Fatalf("CreateRequests() len = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.RNTI != 17921 || len(req.Cells) != 2 || req.Cells[0].CellIndex != 0 || req.Cells[0].MaxLayers != 2 {
		t.Fatalf("CreateRequests()[0] = %+v", req)
	}
	if req.Cells[1].DLAckDelay != 4 || req.Cells[1].ULAckDelay != 4 {
		t.Fatalf("ack delays = %d/%d, want 4/4", req.Cells[1].DLAckDelay, req.Cells[1].ULAckDelay)
	}
	if start := cfg.StartSlot(); start.Numerology() != 1 || start.SFN() != 0 {
		t.Fatalf("StartSlot() = %v", start)
	}
}

func TestDiff(t *testing.T) {
	oldCfg, err := Parse("a.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	newCfg, err := Parse("b.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if ch := Diff(oldCfg, newCfg); !ch.Empty() {
		t.Fatalf("Diff of equal configs = %+v, want empty", ch)
	}

	newCfg.Logging.Level = "info"
	newCfg.UEs[0].LogicalChannels = newCfg.UEs[0].LogicalChannels[:2]
	newCfg.UEs = append(newCfg.UEs,
		UEConfig{Index: 3, RNTI: 0x4603, Cells: []UECellConfig{{Cell: 1, MaxLayers: 1}}},
		UEConfig{Index: 2, RNTI: 0x4602, Cells: []UECellConfig{{Cell: 0, MaxLayers: 1}}},
	)

	ch := Diff(oldCfg, newCfg)
	if ch.RestartRequired {
		t.Fatalf("RestartRequired set for logging and ue changes")
	}
	if got := strings.Join(ch.Sections, ","); got != "logging,ues" {
		t.Fatalf("Sections = %q, want logging,ues", got)
	}
	if len(ch.Added) != 2 || ch.Added[0].Index != 2 || ch.Added[1].Index != 3 {
		t.Fatalf("Added = %+v, want ues 2 and 3 in order", ch.Added)
	}
	if len(ch.Reconfigured) != 1 || ch.Reconfigured[0].Index != 1 || len(ch.Reconfigured[0].Request.LogicalChannels) != 2 {
		t.Fatalf("Reconfigured = %+v, want ue 1 with 2 channels", ch.Reconfigured)
	}
	if len(ch.Removed) != 0 {
		t.Fatalf("Removed = %v, want none", ch.Removed)
	}
}

func TestDiffRNTIChangeReplacesUE(t *testing.T) {
	oldCfg := &Config{UEs: []UEConfig{{Index: 1, RNTI: 10}, {Index: 2, RNTI: 20}}}
	newCfg := &Config{UEs: []UEConfig{{Index: 1, RNTI: 11}}, Cells: []CellConfig{{Index: 0}}}

	ch := Diff(oldCfg, newCfg)
	if !ch.RestartRequired {
		t.Fatalf("RestartRequired = false after cell change")
	}
	want := []model.UEIndex{1, 2}
	if len(ch.Removed) != 2 || ch.Removed[0] != want[0] || ch.Removed[1] != want[1] {
		t.Fatalf("Removed = %v, want %v", ch.Removed, want)
	}
	if len(ch.Added) != 1 || ch.Added[0].RNTI != 11 {
		t.Fatalf("Added = %+v, want ue 1 with rnti 11", ch.Added)
	}
}

func TestManagerReloadPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "macsched.yaml", sampleYAML)

	m := NewManager(path, nil)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	updates := m.Subscribe(1)

	ch, err := m.Reload(context.Background())
	if err != nil || !ch.Empty() {
		t.Fatalf("Reload of unchanged file = (%+v, %v), want empty change", ch, err)
	}

	writeConfig(t, dir, "macsched.yaml", strings.Replace(sampleYAML, "level: debug", "level: warn", 1))
	ch, err = m.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(ch.Sections) != 1 || ch.Sections[0] != "logging" {
		t.Fatalf("Sections = %v, want [logging]", ch.Sections)
	}
	select {
	case u := <-updates:
		if u.New.Logging.Level != "warn" || u.Old.Logging.Level != "debug" {
			t.Fatalf("update levels = %q -> %q", u.Old.Logging.Level, u.New.Logging.Level)
		}
	default:
		t.Fatalf("no update published")
	}
	if got := m.Get().Logging.Level; got != "warn" {
		t.Fatalf("Get().Logging.Level = %q, want warn", got)
	}
}

func TestManagerReloadKeepsConfigOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "macsched.yaml", sampleYAML)

	m := NewManager(path, nil)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Logging.Level == "error" {
			return errors.New("refused")
		}
		return nil
	})

	writeConfig(t, dir, "macsched.yaml", "cells: [")
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("Reload accepted malformed YAML")
	}
	writeConfig(t, dir, "macsched.yaml", strings.Replace(sampleYAML, "level: debug", "level: error", 1))
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("Reload accepted a config the validator refused")
	}
	if got := m.Get().Logging.Level; got != "debug" {
		t.Fatalf("Get().Logging.Level = %q, want debug", got)
	}
}

func TestSlowSubscriberKeepsLatest(t *testing.T) {
	m := NewManager("unused.yaml", nil)
	ch := m.Subscribe(1)
	first := &Config{Report: ReportConfig{Cron: "a"}}
	second := &Config{Report: ReportConfig{Cron: "b"}}
	m.publish(Update{New: first})
	m.publish(Update{New: second})

	if u := <-ch; u.New != second {
		t.Fatalf("queued update = %+v, want the latest", u.New)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after Unsubscribe")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "macsched.yaml", sampleYAML)

	m := NewManager(path, nil)
	m.SetDebounce(20 * time.Millisecond)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	updates := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	body := strings.Replace(sampleYAML, "pci: 2", "pci: 3", 1)
	for {
		// rewrite until the watcher is up and sees it
		writeConfig(t, dir, "macsched.yaml", body)
		select {
		case u := <-updates:
			if !u.Change.RestartRequired || u.New.Cells[1].PCI != 3 {
				t.Fatalf("update = %+v, want restart-required cell change", u.Change)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch() = %v", err)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("no update within deadline")
		}
	}
}

func TestSimulatorSection(t *testing.T) {
	body := sampleYAML + `
simulator:
  enabled: true
  seed: 9
  traffic:
    dl_arrival_prob: 1.5
    packet_bytes: 100
    data_lcid: 2
`
	cfg, err := Parse("macsched.yaml", []byte(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Simulator.Seed != 9 || cfg.Simulator.CSIPeriodSlots != 10 || cfg.Simulator.Channel.MeanCQI != 11 {
		t.Fatalf("simulator defaults = %+v", cfg.Simulator)
	}
	if got := cfg.SimulateConfig().Allocator.ULGrantOffset; got != int(cfg.Expert.ULGrantOffset) {
		t.Fatalf("ul grant offset = %d, want %d", got, cfg.Expert.ULGrantOffset)
	}

	err = cfg.Validate()
	for _, want := range []string{"dl_arrival_prob", "data_lcid"} {
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("Validate() = %v, want a %s problem", err, want)
		}
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "macsched.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Cells) != 2 || len(cfg.UEs) != 2 {
		t.Fatalf("cells=%d ues=%d, want 2 and 2", len(cfg.Cells), len(cfg.UEs))
	}
	if !cfg.Simulator.Enabled || cfg.SimulateConfig().Allocator.ULGrantOffset != 4 {
		t.Fatalf("simulator section not loaded: %+v", cfg.Simulator)
	}
}
