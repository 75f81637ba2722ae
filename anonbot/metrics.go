package anonbot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "anonbot"

var (
	relayCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "The total number of anonymous relay attempts, by result",
		}, []string{"result"},
	)

	relayNotificationCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "notifications_total",
			Help:      "The total number of direct messages sent to mentioned handles",
		},
	)

	commandCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "command",
			Name:      "invocations_total",
			Help:      "The total number of slash commands handled, by command and result",
		}, []string{"command", "result"},
	)

	internalErrorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "internal_errors_total",
			Help:      "The total number of internal errors, by component",
		}, []string{"component"},
	)

	discordConnectedGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "discord",
			Name:      "gateway_connected",
			Help:      "Whether the discord gateway is currently connected",
		},
	)

	discordConnectionCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "discord",
			Name:      "gateway_events_total",
			Help:      "The total number of gateway connects and disconnects",
		}, []string{"event"},
	)

	apiRequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "The total number of API requests, by method, route and status",
		}, []string{"method", "route", "status"},
	)
)

const (
	relayResultSent         = "sent"
	relayResultNoHandle     = "no_handle"
	relayResultEmpty        = "empty"
	relayResultWrongChannel = "wrong_channel"
	relayResultUnconfigured = "unconfigured"
	relayResultError        = "error"
	commandResultOK         = "ok"
	commandResultUserError  = "user_error"
	commandResultDenied     = "denied"
	commandResultError      = "error"
	componentRelay          = "relay"
	componentCommand        = "command"
	discordEventConnect     = "connect"
	discordEventDisconnect  = "disconnect"
)
