// Package fusion executes producer and fusion units. A fusion unit's run is
// a temporal join: primary records strictly newer than the unit's own last
// output are correlated with the latest-before record of each dependency
// stream, subject to per-dependency staleness windows, and the transform's
// output is persisted as a new derived record.
package fusion
