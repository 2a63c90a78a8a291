// Package mqtt mirrors the agent's observability events to an MQTT
// broker and accepts confirmation replies from it.
//
// The mirror uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a retained birth message ("online") to the availability
// topic and re-subscribes to the confirmation topic. A will message
// moves the availability topic to "offline" on unexpected disconnects.
//
// Topics, relative to the configured base topic:
//
//	<base>/availability             online | offline (retained)
//	<base>/events/<source>/<kind>   one JSON event per bus event
//	<base>/stats/<name>             periodic counters (retained)
//	<base>/confirm                  inbound {"confirm_id":..,"approved":..}
package mqtt
