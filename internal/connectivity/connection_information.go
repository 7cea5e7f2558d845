package connectivity

import (
	"github.com/launchdarkly/go-sdk-common/v3/ldtime"

	"github.com/launchdarkly/go-client-sdk/interfaces"
)

// connectionInformation is an immutable snapshot implementing interfaces.ConnectionInformation.
type connectionInformation struct {
	mode            interfaces.ConnectionMode
	lastFailure     *interfaces.LDFailure
	lastSuccessTime ldtime.UnixMillisecondTime
	lastFailedTime  ldtime.UnixMillisecondTime
}

func (c connectionInformation) ConnectionMode() interfaces.ConnectionMode {
	return c.mode
}

func (c connectionInformation) LastFailure() *interfaces.LDFailure {
	return c.lastFailure
}

func (c connectionInformation) LastSuccessfulConnection() ldtime.UnixMillisecondTime {
	return c.lastSuccessTime
}

func (c connectionInformation) LastFailedConnection() ldtime.UnixMillisecondTime {
	return c.lastFailedTime
}
