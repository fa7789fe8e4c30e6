// Package creditdesk is the public API for embedding the loan decision desk.
// This is the stable API for external consumers.
package creditdesk

import (
	"github.com/tjfontaine/credit-desk/internal/config"
	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/runtime"
)

// Desk runs the decision core. See internal/runtime.Desk.
type Desk = runtime.Desk

// Option configures a Desk.
type Option = runtime.Option

// Config is the loaded configuration.
type Config = config.Config

// Request and decision types.
type (
	LoanRequest   = domain.LoanRequest
	Response      = domain.Response
	Status        = domain.Status
	Client        = domain.Client
	AuditLogEntry = domain.AuditLogEntry
)

const (
	StatusApproved = domain.StatusApproved
	StatusDenied   = domain.StatusDenied
	StatusError    = domain.StatusError
)

// New creates a Desk. Example:
//
//	cfg, err := creditdesk.LoadConfig("")
//	desk, err := creditdesk.New(cfg, creditdesk.WithLogger(logger))
//	resp := desk.Evaluate(ctx, creditdesk.LoanRequest{...})
var New = runtime.New

// LoadConfig reads config.yaml (or path) and CREDITDESK_ environment overrides.
var LoadConfig = config.Load

var (
	WithLogger          = runtime.WithLogger
	WithStore           = runtime.WithStore
	WithDialer          = runtime.WithDialer
	WithDecisionService = runtime.WithDecisionService
)
