// Package router decodes inbound CLOB frames into typed messages and tags
// each one with the subscription keys it belongs to.
package router
