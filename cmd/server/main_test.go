package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"celupos/internal/config"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	cases := map[string]config.Config{
		"short secret":  {AuthSecret: "short", ManagerPIN: "739154"},
		"short pin":     {AuthSecret: strongSecret, ManagerPIN: "7391"},
		"common pin":    {AuthSecret: strongSecret, ManagerPIN: "123456"},
		"same digit":    {AuthSecret: strongSecret, ManagerPIN: "777777"},
		"descending":    {AuthSecret: strongSecret, ManagerPIN: "987654"},
		"non numeric":   {AuthSecret: strongSecret, ManagerPIN: "73915a"},
		"missing token": {ManagerPIN: "739154"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, validateSecurityConfig(cfg))
		})
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	require.NoError(t, validateSecurityConfig(config.Config{AuthSecret: strongSecret, ManagerPIN: "739154"}))
	require.NoError(t, validateSecurityConfig(config.Config{AuthSecret: strongSecret}), "an empty PIN disables overrides")
}
