// Package backend defines the narrow contract to the model backend: one
// outbound request per turn, answered by an ordered stream of raw typed
// events. The production implementation speaks the OpenAI Responses API;
// tests substitute scripted streamers.
package backend
