// Package s3 crawls objects in an S3-compatible bucket. Document IDs are
// object keys; fingerprints are object ETags.
package s3

import (
	"context"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/teranos/sluice/connector"
	"github.com/teranos/sluice/errors"
)

// Type is the connector type identifier.
const Type = "s3"

const defaultMaxBytes = 64 << 20

// API is the subset of the S3 client the connector uses.
type API interface {
	awss3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, in *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	GetObjectAcl(ctx context.Context, in *awss3.GetObjectAclInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectAclOutput, error)
}

// Defaults are daemon-wide client settings. A connection's own config keys
// override them.
type Defaults struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// Descriptor registers the connector with daemon-wide defaults.
func Descriptor(defaults Defaults) connector.Descriptor {
	return connector.Descriptor{
		Type:        Type,
		Version:     connector.MustVersion("1.0.0"),
		Model:       connector.ModelAll,
		Description: "S3-compatible bucket objects; ETag fingerprints, object ACLs",
		New:         NewFactory(defaults),
	}
}

// Connector lists and reads one bucket.
type Connector struct {
	api      API
	bucket   string
	prefix   string
	maxBytes int64
	log      *zap.SugaredLogger
}

// NewFactory returns a factory reading these config keys: bucket (required),
// prefix, endpoint, region, access_key, secret_key, use_path_style, max_bytes.
func NewFactory(defaults Defaults) connector.Factory {
	return func(cfg connector.Config, log *zap.SugaredLogger) (connector.Connector, error) {
		bucket, err := cfg.RequireString("bucket")
		if err != nil {
			return nil, err
		}
		maxBytes := int64(cfg.Int("max_bytes", defaultMaxBytes))
		if maxBytes <= 0 {
			return nil, errors.NewConfigurationError("max_bytes", "must be > 0")
		}

		d := defaults
		if v := cfg.String("endpoint"); v != "" {
			d.Endpoint = v
		}
		if v := cfg.String("region"); v != "" {
			d.Region = v
		}
		if v := cfg.String("access_key"); v != "" {
			d.AccessKey = v
			d.SecretKey = cfg.String("secret_key")
		}
		d.UsePathStyle = cfg.Bool("use_path_style", d.UsePathStyle)
		if d.Region == "" {
			d.Region = "us-east-1"
		}
		if (d.AccessKey == "") != (d.SecretKey == "") {
			return nil, errors.NewConfigurationError("secret_key", "access_key and secret_key must be set together")
		}

		api, err := newClient(d)
		if err != nil {
			return nil, err
		}
		return NewWithClient(api, bucket, cfg.String("prefix"), maxBytes, log), nil
	}
}

// NewWithClient builds a connector over an existing client.
func NewWithClient(api API, bucket, prefix string, maxBytes int64, log *zap.SugaredLogger) *Connector {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Connector{api: api, bucket: bucket, prefix: prefix, maxBytes: maxBytes, log: log}
}

func newClient(d Defaults) (*awss3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(d.Region)}
	if d.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(d.AccessKey, d.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, errors.NewConfigurationError("s3", "failed to load AWS config: %v", err)
	}
	return awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if d.Endpoint != "" {
			o.BaseEndpoint = aws.String(d.Endpoint)
		}
		o.UsePathStyle = d.UsePathStyle
	}), nil
}

// ListSeeds pages through every object under each root prefix (joined to
// the connection prefix). Directory placeholder keys are skipped.
func (c *Connector) ListSeeds(ctx context.Context, spec connector.SeedSpec) iter.Seq2[connector.DocumentRef, error] {
	return func(yield func(connector.DocumentRef, error) bool) {
		roots := spec.Roots
		if len(roots) == 0 {
			roots = []string{""}
		}
		for _, root := range roots {
			p := awss3.NewListObjectsV2Paginator(c.api, &awss3.ListObjectsV2Input{
				Bucket: aws.String(c.bucket),
				Prefix: aws.String(c.prefix + strings.TrimPrefix(root, "/")),
			})
			for p.HasMorePages() {
				page, err := p.NextPage(ctx)
				if err != nil {
					yield(connector.DocumentRef{}, classify(errors.Wrapf(err, "failed to list s3://%s/%s%s", c.bucket, c.prefix, root)))
					return
				}
				for _, obj := range page.Contents {
					key := aws.ToString(obj.Key)
					if key == "" || strings.HasSuffix(key, "/") {
						continue
					}
					if !yield(connector.DocumentRef{ID: key}, nil) {
						return
					}
				}
			}
		}
	}
}

// Fetch heads the object and downloads it only when the ETag differs from
// the prior fingerprint.
func (c *Connector) Fetch(ctx context.Context, req connector.FetchRequest) (connector.FetchResult, error) {
	head, err := c.api.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(req.Ref.ID),
	})
	if isNotFound(err) {
		return connector.Gone(), nil
	}
	if err != nil {
		return connector.FetchResult{}, classify(errors.Wrapf(err, "failed to head %s", req.Ref.ID))
	}
	etag := aws.ToString(head.ETag)
	if etag != "" && etag == req.PriorFingerprint {
		return connector.NotModified(), nil
	}
	if size := aws.ToInt64(head.ContentLength); size > c.maxBytes {
		return connector.FetchResult{}, connector.Permanent(errors.Newf("%s is %d bytes, over the %d byte limit", req.Ref.ID, size, c.maxBytes))
	}

	in := &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(req.Ref.ID),
	}
	if etag != "" {
		// fail rather than mix a new body with the old ETag
		in.IfMatch = aws.String(etag)
	}
	obj, err := c.api.GetObject(ctx, in)
	if isNotFound(err) {
		return connector.Gone(), nil
	}
	if err != nil {
		return connector.FetchResult{}, classify(errors.Wrapf(err, "failed to get %s", req.Ref.ID))
	}
	defer obj.Body.Close()

	body, err := io.ReadAll(io.LimitReader(obj.Body, c.maxBytes+1))
	if err != nil {
		return connector.FetchResult{}, connector.Transient(errors.Wrapf(err, "failed to read %s", req.Ref.ID))
	}
	if int64(len(body)) > c.maxBytes {
		return connector.FetchResult{}, connector.Permanent(errors.Newf("%s grew past the %d byte limit", req.Ref.ID, c.maxBytes))
	}

	meta := map[string]string{
		"bucket": c.bucket,
		"key":    req.Ref.ID,
		"size":   strconv.Itoa(len(body)),
	}
	if lm := head.LastModified; lm != nil {
		meta["last_modified"] = lm.UTC().Format(time.RFC3339)
	}
	for k, v := range head.Metadata {
		meta["x-amz-meta-"+k] = v
	}
	if etag == "" {
		etag = aws.ToString(obj.ETag)
	}
	return connector.ContentResult(&connector.Content{
		Fingerprint: etag,
		ContentType: aws.ToString(obj.ContentType),
		Body:        body,
		Metadata:    meta,
	}), nil
}

// CheckAccess maps the object ACL to principals. Buckets with ACLs
// disabled report the bucket owner only.
func (c *Connector) CheckAccess(ctx context.Context, ref connector.DocumentRef) (connector.AclSnapshot, error) {
	out, err := c.api.GetObjectAcl(ctx, &awss3.GetObjectAclInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(ref.ID),
	})
	if errorCode(err) == "AccessControlListNotSupported" {
		return connector.AclSnapshot{Allow: []string{"bucket-owner"}}, nil
	}
	if err != nil {
		return connector.AclSnapshot{}, classify(errors.Wrapf(err, "failed to read ACL of %s", ref.ID))
	}

	var acl connector.AclSnapshot
	seen := map[string]bool{}
	for _, g := range out.Grants {
		if g.Permission != types.PermissionRead && g.Permission != types.PermissionFullControl {
			continue
		}
		p := principal(g.Grantee)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		acl.Allow = append(acl.Allow, p)
	}
	return acl, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (c *Connector) Close() error {
	return nil
}

func principal(g *types.Grantee) string {
	if g == nil {
		return ""
	}
	switch g.Type {
	case types.TypeGroup:
		uri := aws.ToString(g.URI)
		switch {
		case strings.HasSuffix(uri, "/global/AllUsers"):
			return "everyone"
		case strings.HasSuffix(uri, "/global/AuthenticatedUsers"):
			return "authenticated"
		}
		return "group:" + uri
	case types.TypeAmazonCustomerByEmail:
		return "email:" + aws.ToString(g.EmailAddress)
	}
	if id := aws.ToString(g.ID); id != "" {
		return "user:" + id
	}
	return ""
}

// codedError is implemented by SDK API errors.
type codedError interface {
	ErrorCode() string
}

func errorCode(err error) string {
	var coded codedError
	if err != nil && errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return ""
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var resp *awshttp.ResponseError
	return errors.As(err, &resp) && resp.HTTPStatusCode() == 404
}

// classify maps S3 error codes and HTTP statuses to connector classes.
func classify(err error) error {
	switch errorCode(err) {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
		return connector.Auth(err)
	case "NoSuchBucket", "InvalidBucketName", "InvalidObjectState":
		return connector.Permanent(err)
	case "PreconditionFailed", "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
		return connector.Transient(err)
	}
	var resp *awshttp.ResponseError
	if errors.As(err, &resp) {
		if class, isErr := connector.ClassifyHTTPStatus(resp.HTTPStatusCode()); isErr {
			return class.Mark(err)
		}
	}
	return connector.Transient(err)
}
