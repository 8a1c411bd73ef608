// Copyright 2026 The uasub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"errors"
	"fmt"

	"github.com/gopcua/opcua/ua"
)

// ServiceError a negative status code returned by an OPC UA service call.
// These are never retried by the core; the caller decides what to do with
// the status.
type ServiceError struct {
	// Op names the service call which failed
	Op string
	// Status is the protocol status code reported by the peer
	Status ua.StatusCode
}

// Error implements the error interface
func (e ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Status.Error())
}

// NewServiceError define a ServiceError for a failed service call
func NewServiceError(op string, status ua.StatusCode) error {
	return ServiceError{Op: op, Status: status}
}

// ContractError a response violated the request / response contract of a
// service call (e.g. a single item batch answered with zero or multiple
// results). This is an internal invariant failure, not a status code.
type ContractError struct {
	// Op names the service call whose response broke contract
	Op string
	// Detail describes the violated expectation
	Detail string
}

// Error implements the error interface
func (e ContractError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Detail)
}

// NewContractError define a ContractError for a service call
func NewContractError(op string, format string, args ...interface{}) error {
	return ContractError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// ErrorIsStatus check whether an error is a ServiceError carrying a
// specific status code
func ErrorIsStatus(err error, status ua.StatusCode) bool {
	var svcErr ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Status == status
	}
	return false
}
