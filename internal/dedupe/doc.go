// Package dedupe filters re-delivered external events. The durability
// substrate delivers each inbound event at least once; marking delivery
// keys here turns redelivery into a no-op before it reaches a
// conversation.
package dedupe
