// Package schedule submits run requests for agents whose definition carries a
// cron expression. The scheduler only produces requests; the dispatch
// processor still decides whether a run can start, so a schedule that fires
// while the previous run is live is skipped like any other duplicate request.
package schedule
