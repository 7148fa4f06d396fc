package clients

// SubjectHeader carries the identity-provider subject to internal services.
const SubjectHeader = "X-Auth-Subject"
