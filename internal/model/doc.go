// Package model defines shared data types used across the realtime core.
//
// Conventions:
//   - Endpoints: closed set of logical stream identifiers, one WebSocket
//     path per endpoint under /api/realtime/
//   - Timestamps: time.Time, RFC 3339 on the wire
//   - IDs: string session identifiers (UUID v4)
package model
