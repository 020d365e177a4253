// Package session keeps a Redis record for every open realtime connection:
// which user it belongs to, which gateway instance holds it and when it
// joined. The records are operational state for dashboards and support
// tooling; presence itself lives in process memory.
package session
