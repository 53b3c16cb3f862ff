package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const validConfig = `
senderName: test
senderAddress: test@test.mail
sourceRepo: https://forge.test/duke/project.git
archiveRepo: https://forge.test/duke/archive.git
archiveRef: master
lists:
  - address: dev@list.test
  - address: hotspot@list.test
    labels: [hotspot]
ignoredUsers: [robot]
ignoredComments:
  - "ignore this comment"
readyLabels: [rfr]
readyComments:
  robot: "ready"
cooldown: 5m
webrev:
  repository: https://forge.test/duke/webrevs.git
  ref: webrev
  basePath: project
  baseUri: https://webrevs.test/
  generateHtml: true
headers:
  Extra1: val1
issueTracker: https://issues.test/browse/
stateDir: /var/lib/mlbridge
gitea:
  url: https://forge.test
  apiToken: secret
  owner: duke
  repo: project
`

func TestParseConfig(t *testing.T) {
	config, err := parseConfig([]byte(validConfig))
	require.NoError(t, err)

	require.Equal(t, "test@test.mail", config.SenderAddress)
	require.Equal(t, 5*time.Minute, config.Cooldown)
	require.Len(t, config.Lists, 2)
	require.Equal(t, []string{"hotspot"}, config.Lists[1].Labels)
	require.Len(t, config.IgnoredBodies, 1)
	require.True(t, config.IgnoredBodies[0].MatchString("please ignore this comment!"))
	require.Contains(t, config.ReadyComments, "robot")
	require.True(t, config.Webrev.GenerateHTML)
	require.False(t, config.Webrev.GenerateJSON)
	require.Equal(t, "val1", config.ExtraHeaders["Extra1"])
}

func TestParseConfigMissingSender(t *testing.T) {
	_, err := parseConfig([]byte(`
archiveRepo: https://forge.test/duke/archive.git
lists:
  - address: dev@list.test
webrev:
  repository: https://forge.test/duke/webrevs.git
  generateHtml: true
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "sender")
}

func TestParseConfigBadPattern(t *testing.T) {
	_, err := parseConfig([]byte(`
senderAddress: test@test.mail
archiveRepo: https://forge.test/duke/archive.git
lists:
  - address: dev@list.test
ignoredComments: ["["]
webrev:
  repository: https://forge.test/duke/webrevs.git
  generateHtml: true
`))
	require.Error(t, err)
}

func TestParseConfigDefaults(t *testing.T) {
	config, err := parseConfig([]byte(`
senderAddress: test@test.mail
archiveRepo: https://forge.test/duke/archive.git
lists:
  - address: dev@list.test
webrev:
  repository: https://forge.test/duke/webrevs.git
  generateHtml: true
`))
	require.NoError(t, err)
	require.Equal(t, "master", config.ArchiveRef)
	require.Equal(t, "webrev", config.Webrev.Ref)
	require.Zero(t, config.Cooldown)
}
