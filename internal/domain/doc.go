// Package domain holds the value types shared by the loan decision core:
// the per-request context, stage outcomes, risk signals and the audit log
// entry written by the terminal stages.
package domain
