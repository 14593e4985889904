// Package domain models weekly influenza surveillance observations and the
// derived analytics built on them.
//
// # Time Buckets
//
// Every weekly source is normalized onto the ISO 8601 week. A record's Time
// is the Monday 00:00 UTC that opens its ISO week, produced by [WeekStart] or
// [ISOWeekStart]. Sources that publish a week-ending date (CDC FluView uses
// the Saturday, "Dec-27-2025") are mapped to the Monday of the same ISO week.
//
// # Natural Key
//
// A persisted case row is identified by
//
//	(time, country_code, source, region, city, flu_type)
//
// with absent optional fields compared as the empty string. Two records from
// one batch sharing a key are summed by [Aggregate] before reconciliation so
// the store never sees the same key twice in one insert set.
//
// # Flu Types
//
// Subtype labels are shared by all sources:
//
//	H1N1, H3N2, H5N1, H7N9            specific influenza A subtypes
//	B/Victoria, B/Yamagata            specific influenza B lineages
//	A (unsubtyped)                    influenza A without subtype result
//	B (lineage unknown)               influenza B without lineage result
//	unknown                           positive, type not reported
//
// Sources that report both a specific subtype count and an aggregate "any A"
// count for the same week emit only the specific counts. The aggregate is a
// fallback for weeks without subtype results.
//
// # Country Codes
//
// Countries use ISO 3166-1 alpha-2 codes. FluNet reports the UK home nations
// as XE (England), XI (Northern Ireland), XS (Scotland) and XW (Wales); these
// collapse to GB through [NormalizeCountryCode].
package domain
