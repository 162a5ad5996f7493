package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractResourceType(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/api/poa/v1alpha1/orgs", "orgs"},
		{"/api/poa/v1alpha1/orgs/abc123", "orgs"},
		{"/api/poa/v1alpha1/orgs/abc123/contracts/QuickJoin", "orgs"},
		{"/api/poa/v1alpha1/beacons/b-1/pin", "beacons"},
		{"/api/poa/v1alpha1/machines/m-1/proposals", "machines"},
		{"/api/poa/v1alpha1/proposals/p-1/ballots", "proposals"},
		{"/api/poa/v1alpha1/instances/i-1/calls", "instances"},
		{"/api/poa/v1alpha1/widgets/w-1", "widgets"},
		{"/api/poa/v1alpha1/widgets/w-1:activate", "widgets"},
		{"/healthz", ""},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, extractResourceType(tc.path), "path %q", tc.path)
	}
}

func TestExtractSubject(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/api/poa/v1alpha1/orgs/abc123", "abc123"},
		{"/api/poa/v1alpha1/orgs", ""},
		{"/api/poa/v1alpha1/beacons/b-1/pin", "b-1"},
		{"/api/poa/v1alpha1/proposals/p-1:finalize", "p-1"},
		{"/healthz", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, extractSubject(tc.path), "path %q", tc.path)
	}
}

func TestExtractActionVerb(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   string
	}{
		{"POST", "/api/poa/v1alpha1/orgs", "create"},
		{"PUT", "/api/poa/v1alpha1/orgs/abc", "update"},
		{"PATCH", "/api/poa/v1alpha1/orgs/abc", "update"},
		{"DELETE", "/api/poa/v1alpha1/orgs/abc", "delete"},
		{"GET", "/api/poa/v1alpha1/orgs/abc", "get"},
		{"POST", "/api/poa/v1alpha1/proposals/p-1:finalize", "finalize"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, extractActionVerb(tc.method, tc.path), "%s %s", tc.method, tc.path)
	}
}

func TestIsManagementEndpoint(t *testing.T) {
	assert.True(t, isManagementEndpoint("POST", "/api/poa/v1alpha1/orgs"))
	assert.True(t, isManagementEndpoint("DELETE", "/api/poa/v1alpha1/orgs/abc"))
	assert.True(t, isManagementEndpoint("PUT", "/api/poa/v1alpha1/beacons/b-1/pin"))

	assert.False(t, isManagementEndpoint("GET", "/api/poa/v1alpha1/orgs"))
	assert.False(t, isManagementEndpoint("POST", "/api/audit/v1alpha1/events"))
	assert.False(t, isManagementEndpoint("POST", "/healthz"))
}
