// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package core

import "time"

// Status is the process status of a permission request. The set of values
// is open: region connectors may introduce their own statuses through a
// connector specific transition table.
type Status string

const (
	StatusCreated                     Status = "CREATED"
	StatusSentToAdministrator         Status = "SENT_TO_ADMINISTRATOR"
	StatusValidated                   Status = "VALIDATED"
	StatusAccepted                    Status = "ACCEPTED"
	StatusTerminated                  Status = "TERMINATED"
	StatusExpired                     Status = "EXPIRED"
	StatusRejected                    Status = "REJECTED"
	StatusMalformed                   Status = "MALFORMED"
	StatusUnableToSend                Status = "UNABLE_TO_SEND"
	StatusTimedOut                    Status = "TIMED_OUT"
	StatusRevoked                     Status = "REVOKED"
	StatusFulfilled                   Status = "FULFILLED"
	StatusRequiresExternalTermination Status = "REQUIRES_EXTERNAL_TERMINATION"
	StatusExternallyTerminated        Status = "EXTERNALLY_TERMINATED"
	StatusFailedToTerminate           Status = "FAILED_TO_TERMINATE"
)

// DataSourceInformation describes where the data of a permission comes from.
// Region connectors implement it with their own types; the core only reads it.
type DataSourceInformation interface {
	CountryCode() string
	RegionConnectorID() string
	PermissionAdministratorID() string
	MeteredDataAdministratorID() string
}

// DataSource is the persisted snapshot of a DataSourceInformation.
type DataSource struct {
	Country                  string `json:"country_code" cbor:"1,keyasint"`
	RegionConnector          string `json:"region_connector_id" cbor:"2,keyasint"`
	PermissionAdministrator  string `json:"permission_administrator_id" cbor:"3,keyasint"`
	MeteredDataAdministrator string `json:"metered_data_administrator_id" cbor:"4,keyasint"`
}

func (d DataSource) CountryCode() string                { return d.Country }
func (d DataSource) RegionConnectorID() string          { return d.RegionConnector }
func (d DataSource) PermissionAdministratorID() string  { return d.PermissionAdministrator }
func (d DataSource) MeteredDataAdministratorID() string { return d.MeteredDataAdministrator }

// DataSourceFrom snapshots any DataSourceInformation implementation.
func DataSourceFrom(info DataSourceInformation) DataSource {
	if info == nil {
		return DataSource{}
	}
	if ds, ok := info.(DataSource); ok {
		return ds
	}
	return DataSource{
		Country:                  info.CountryCode(),
		RegionConnector:          info.RegionConnectorID(),
		PermissionAdministrator:  info.PermissionAdministratorID(),
		MeteredDataAdministrator: info.MeteredDataAdministratorID(),
	}
}

// PermissionRequest is the aggregate tracking one customer consent.
// Start and End are optional; the zero value means unbounded.
type PermissionRequest struct {
	PermissionID  string     `json:"permission_id" cbor:"1,keyasint"`
	ConnectionID  string     `json:"connection_id" cbor:"2,keyasint"`
	DataNeedID    string     `json:"data_need_id" cbor:"3,keyasint"`
	Status        Status     `json:"status" cbor:"4,keyasint"`
	Created       time.Time  `json:"created" cbor:"5,keyasint"`
	Start         time.Time  `json:"start,omitempty" cbor:"6,keyasint,omitempty"`
	End           time.Time  `json:"end,omitempty" cbor:"7,keyasint,omitempty"`
	DataSource    DataSource `json:"data_source" cbor:"8,keyasint"`
	Version       int64      `json:"version" cbor:"9,keyasint"`
	Updated       time.Time  `json:"updated" cbor:"10,keyasint"`
	LatestReading time.Time  `json:"latest_reading,omitempty" cbor:"11,keyasint,omitempty"`
}

// NewPermissionRequest builds a request in status CREATED.
func NewPermissionRequest(
	permissionID, connectionID, dataNeedID string,
	start, end time.Time,
	info DataSourceInformation,
	created time.Time,
) PermissionRequest {
	return PermissionRequest{
		PermissionID: permissionID,
		ConnectionID: connectionID,
		DataNeedID:   dataNeedID,
		Status:       StatusCreated,
		Created:      created.UTC(),
		Start:        start,
		End:          end,
		DataSource:   DataSourceFrom(info),
	}
}

func (p PermissionRequest) DataSourceInformation() DataSourceInformation { return p.DataSource }

// Covers reports whether the calendar days [from, to] lie inside the
// validity window of the permission.
func (p PermissionRequest) Covers(from, to time.Time) bool {
	if !p.Start.IsZero() && Day(from).Before(Day(p.Start)) {
		return false
	}
	if !p.End.IsZero() && Day(to).After(Day(p.End)) {
		return false
	}
	return true
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
