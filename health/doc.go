// Package health reports whether the messenger client's collaborators are
// usable: the backend gateway, the realtime connection and the session
// provider.
//
// A Checker reports one component. The Aggregator runs every registered
// checker in parallel under one deadline and folds the results into a Report:
//
//	agg := health.NewAggregator()
//	agg.Register("gateway", health.NewPingChecker("gateway", gw.Ping, gateway.IsTransient))
//	agg.Register("realtime", realtimeChecker)
//
//	report := agg.Run(ctx)
//	if report.Status != health.StatusHealthy {
//	    ...
//	}
package health
