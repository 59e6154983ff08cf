package fhir

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeStructure    = "structure"
	IssueTypeRequired     = "required"
	IssueTypeValue        = "value"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeProcessing   = "processing"
	IssueTypeNotSupported = "not-supported"
	IssueTypeException    = "exception"
	IssueTypeDuplicate    = "duplicate"
)

// ConflictOutcome builds an OperationOutcome for a primary-key collision.
func ConflictOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeDuplicate,
		resourceType+"/"+id+" already exists")
}

// InvalidOutcome builds an OperationOutcome for malformed input.
func InvalidOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, diagnostics)
}

// UnsupportedOutcome builds an OperationOutcome for an unsupported search
// control parameter.
func UnsupportedOutcome(param string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotSupported,
		"unsupported search parameter: "+param)
}
