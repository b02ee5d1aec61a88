// Package domain models the weekly epidemiological and meteorological series
// that feed the case-count forecaster.
//
// # Reports
//
// Upstream providers (SINAN/DATASUS case notifications, INMET station data,
// the OpenWeather API) are normalized by source adapters into [RawReport]
// values: one metric observation for one location at one instant. Reports are
// immutable. Each carries a content ID, a SHA-256 over
//
//	source|location|observed_at|metric|value
//
// so that redelivering the same report is a no-op at the report log, while a
// corrected value becomes a new report that supersedes the old one by recency.
// See [ReportID].
//
// Metrics and their weekly aggregation:
//
//	case_count     summed, non-negative integer
//	precipitation  summed, millimetres, >= 0
//	temperature    averaged, degrees Celsius
//	humidity       averaged, relative humidity percent in [0, 100]
//
// # Epidemiological weeks
//
// All alignment happens on [WeekKey], never on raw timestamps. A [Calendar]
// fixes the reference time zone and the first weekday of the week. The
// default matches the SINAN epidemiological week: weeks start on Sunday and
// dates are read in UTC. A WeekKey is the week-start date at UTC midnight and
// renders as YYYY-MM-DD.
//
// # Canonical series
//
// A [WeeklyRecord] is the canonical unit, one per (location, week). For a
// location, records form a contiguous run of weeks; a week without data is a
// record whose metrics are all nil, never a missing row.
//
// # Errors
//
// The sentinel errors in errors.go form the error taxonomy shared by every
// package. Context-carrying error types wrap them and are matched with
// errors.Is and errors.As.
package domain
