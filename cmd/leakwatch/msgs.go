package main

import (
	"github.com/benjamonnguyen/leakwatch"
	"github.com/benjamonnguyen/leakwatch/endpoint"
	"github.com/benjamonnguyen/leakwatch/eventlog"
)

type SystemMsg struct {
	snap endpoint.Snapshot[leakwatch.SystemResponse]
}

type EventsMsg struct {
	update eventlog.Update
}

// BannerMsg carries the latest value of the shared error cell; nil clears it.
type BannerMsg struct {
	err error
}

type SwitchMsg struct {
	name  string
	state bool
}

type ToggleResultMsg struct {
	name string
	err  error
}

type ClockMsg struct{}
