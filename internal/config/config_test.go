package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SACRISTY_AUTH_SECRET", "s3cret")
	t.Setenv("SACRISTY_BOT_SECRET", "bot")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTPAddr != ":8080" || c.GRPCAddr != ":9090" {
		t.Fatalf("unexpected addresses %q %q", c.HTTPAddr, c.GRPCAddr)
	}
	if c.SLA != 48*time.Hour || c.SweepInterval != time.Hour {
		t.Fatalf("unexpected durations sla=%s sweep=%s", c.SLA, c.SweepInterval)
	}
	if c.WeeklyReport != "55 23 * * 0" || c.Timezone != "Europe/Rome" {
		t.Fatalf("unexpected schedule %q in %q", c.WeeklyReport, c.Timezone)
	}
	if !c.HasSink(SinkLog) || c.HasSink(SinkNATS) {
		t.Fatalf("unexpected sinks %v", c.NotifySinks)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SACRISTY_AUTH_SECRET", "s3cret")
	t.Setenv("SACRISTY_BOT_SECRET", "bot")
	t.Setenv("SACRISTY_PRIESTS", "11,12")
	t.Setenv("SACRISTY_DIRECTORS", "300")
	t.Setenv("SACRISTY_NOTIFY_SINKS", "Log, NATS")
	t.Setenv("SACRISTY_SLA", "36h")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Fulfillers) != 2 || c.Fulfillers[1] != 12 || len(c.Directors) != 1 {
		t.Fatalf("unexpected roles %v %v", c.Fulfillers, c.Directors)
	}
	if !c.HasSink(SinkNATS) || !c.HasSink(SinkLog) {
		t.Fatalf("sinks not normalized: %v", c.NotifySinks)
	}
	if c.SLA != 36*time.Hour {
		t.Fatalf("unexpected sla %s", c.SLA)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"missing secret": {"SACRISTY_BOT_SECRET": "bot"},
		"bad timezone":   {"SACRISTY_AUTH_SECRET": "a", "SACRISTY_BOT_SECRET": "b", "SACRISTY_TIMEZONE": "Mars/Olympus"},
		"bad sink":       {"SACRISTY_AUTH_SECRET": "a", "SACRISTY_BOT_SECRET": "b", "SACRISTY_NOTIFY_SINKS": "carrier-pigeon"},
		"zero sla":       {"SACRISTY_AUTH_SECRET": "a", "SACRISTY_BOT_SECRET": "b", "SACRISTY_SLA": "0s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("SACRISTY_AUTH_SECRET", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
