package sigv4

import "github.com/aws/aws-sdk-go-v2/aws"

// Credentials is an access key / secret key / optional session token pair.
// CredentialsA (inbound validation) and CredentialsB (outbound signing) are
// both instances of this type, kept distinct at the call site per spec §4.3.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

func (c Credentials) toAWS() aws.Credentials {
	return aws.Credentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
	}
}

// Empty reports whether c carries no credentials, used to detect the
// "credentials A absent" configuration that disables inbound validation
// (spec.md open question (a), see DESIGN.md).
func (c Credentials) Empty() bool {
	return c.AccessKeyID == "" && c.SecretAccessKey == ""
}
