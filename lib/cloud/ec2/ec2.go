// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ec2 provides a cloud driver that launches instances through
// the Amazon EC2 API. One launcher covers every region: clients are
// created per region as candidates call for them.
package ec2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/drover.git/lib/cloud"
	"git.arvados.org/drover.git/lib/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

// Driver is the ec2 implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newLauncher)

const defaultRateLimitDelay = 10 * time.Second

// launcherParams is the DriverParameters schema.
type launcherParams struct {
	// Static credentials. Empty means use the default AWS
	// credential chain (environment, shared config, IMDS).
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	// AMI to launch. Required.
	ImageID string `json:"image_id"`
	// Zone name -> subnet ID. Launches in zones not listed here
	// use the account's default VPC subnet.
	SubnetIDs map[string]string `json:"subnet_ids"`
	// Security groups attached to new instances.
	SecurityGroupIDs []string `json:"security_group_ids"`
	// Tags applied to new instances.
	Tags map[string]string `json:"tags"`
	// How long to tell callers to back off after the API throttles
	// a request. EC2 does not say, so this is a guess.
	RateLimitDelay config.Duration `json:"rate_limit_delay"`
}

// ec2API is the subset of the EC2 client the launcher calls, separated
// out so tests can substitute a stub.
type ec2API interface {
	RunInstances(ctx context.Context, input *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstanceTypeOfferings(ctx context.Context, input *ec2.DescribeInstanceTypeOfferingsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypeOfferingsOutput, error)
}

type launcher struct {
	params  launcherParams
	logger  logrus.FieldLogger
	mtx     sync.Mutex
	clients map[string]ec2API // by region
}

func newLauncher(params json.RawMessage, logger logrus.FieldLogger) (cloud.Launcher, error) {
	lp := launcherParams{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &lp); err != nil {
			return nil, fmt.Errorf("error decoding ec2 driver parameters: %w", err)
		}
	}
	if lp.ImageID == "" {
		return nil, errors.New("ec2 driver: image_id is required")
	}
	if lp.RateLimitDelay.Duration() == 0 {
		lp.RateLimitDelay = config.Duration(defaultRateLimitDelay)
	}
	return &launcher{
		params:  lp,
		logger:  logger,
		clients: map[string]ec2API{},
	}, nil
}

func (l *launcher) clientFor(ctx context.Context, region string) (ec2API, error) {
	if region == "" {
		return nil, errors.New("ec2 driver: candidate does not specify a region")
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if client, ok := l.clients[region]; ok {
		return client, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if l.params.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(l.params.AccessKeyID, l.params.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ec2 driver: loading AWS config for %s: %w", region, err)
	}
	client := ec2.NewFromConfig(cfg)
	l.clients[region] = client
	return client, nil
}

// Launch runs one instance. The candidate's zone, when set, becomes
// the placement; spot market options are added for preemptible
// candidates. API faults are returned as the classified error types
// the provisioning core knows how to step around.
func (l *launcher) Launch(ctx context.Context, c cloud.Candidate) (cloud.InstanceHandle, error) {
	if c.InstanceType == "" {
		return cloud.InstanceHandle{}, errors.New("ec2 driver: candidate does not specify an instance type")
	}
	client, err := l.clientFor(ctx, c.Region)
	if err != nil {
		return cloud.InstanceHandle{}, err
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(l.params.ImageID),
		InstanceType: ec2types.InstanceType(c.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
	}
	if c.Zone != "" {
		input.Placement = &ec2types.Placement{AvailabilityZone: aws.String(c.Zone)}
	}
	if subnet, ok := l.params.SubnetIDs[c.Zone]; ok {
		input.NetworkInterfaces = []ec2types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:         aws.Int32(0),
			DeleteOnTermination: aws.Bool(true),
			SubnetId:            aws.String(subnet),
			Groups:              l.params.SecurityGroupIDs,
		}}
	} else if len(l.params.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = l.params.SecurityGroupIDs
	}
	if c.IsPreemptible() {
		input.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{
			MarketType: ec2types.MarketTypeSpot,
			SpotOptions: &ec2types.SpotMarketOptions{
				InstanceInterruptionBehavior: ec2types.InstanceInterruptionBehaviorTerminate,
			},
		}
	}
	if len(l.params.Tags) > 0 {
		var tags []ec2types.Tag
		for k, v := range l.params.Tags {
			tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
		}
		input.TagSpecifications = []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         tags,
		}}
	}

	rsv, err := client.RunInstances(ctx, input)
	if err != nil {
		return cloud.InstanceHandle{}, wrapLaunchError(err, l.params.RateLimitDelay.Duration())
	}
	if len(rsv.Instances) == 0 {
		return cloud.InstanceHandle{}, errors.New("ec2 driver: RunInstances returned an empty reservation")
	}
	inst := rsv.Instances[0]
	handle := cloud.InstanceHandle{
		ID:           cloud.InstanceID(aws.ToString(inst.InstanceId)),
		Cloud:        c.Cloud,
		Region:       c.Region,
		Zone:         c.Zone,
		InstanceType: c.InstanceType,
		Preemptible:  c.IsPreemptible(),
		Address:      aws.ToString(inst.PrivateIpAddress),
		LaunchedAt:   time.Now(),
	}
	if inst.Placement != nil && aws.ToString(inst.Placement.AvailabilityZone) != "" {
		handle.Zone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	if inst.LaunchTime != nil {
		handle.LaunchedAt = *inst.LaunchTime
	}
	l.logger.WithFields(logrus.Fields{
		"Instance":  handle.ID,
		"Candidate": c.String(),
	}).Info("launched instance")
	return handle, nil
}

// CheckAvailability asks the offerings API whether the candidate's
// instance type is sold in the given zone (or anywhere in the region,
// for zoneless candidates). It cannot answer for candidates without an
// instance type.
func (l *launcher) CheckAvailability(ctx context.Context, c cloud.Candidate) (cloud.Availability, error) {
	if c.InstanceType == "" {
		return cloud.Unknown, nil
	}
	client, err := l.clientFor(ctx, c.Region)
	if err != nil {
		return cloud.Unknown, err
	}
	location, locationType := c.Region, ec2types.LocationTypeRegion
	if c.Zone != "" {
		location, locationType = c.Zone, ec2types.LocationTypeAvailabilityZone
	}
	out, err := client.DescribeInstanceTypeOfferings(ctx, &ec2.DescribeInstanceTypeOfferingsInput{
		LocationType: locationType,
		Filters: []ec2types.Filter{
			{Name: aws.String("location"), Values: []string{location}},
			{Name: aws.String("instance-type"), Values: []string{c.InstanceType}},
		},
	})
	if err != nil {
		return cloud.Unknown, err
	}
	if len(out.InstanceTypeOfferings) > 0 {
		return cloud.Available, nil
	}
	return cloud.Unavailable, nil
}

func (l *launcher) Stop() {
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time { return err.earliestRetry }

type quotaError struct {
	error
}

func (err quotaError) IsQuotaError() bool { return true }

type capacityError struct {
	error
	typeSpecific bool
}

func (err capacityError) IsCapacityError() bool        { return true }
func (err capacityError) IsInstanceTypeSpecific() bool { return err.typeSpecific }

var throttleCodes = map[string]bool{
	"Throttling":            true,
	"ThrottlingException":   true,
	"RequestLimitExceeded":  true,
	"EC2ThrottledException": true,
}

var quotaCodes = map[string]bool{
	"InstanceLimitExceeded":        true,
	"MaxSpotInstanceCountExceeded": true,
	"VcpuLimitExceeded":            true,
}

// Capacity faults that only affect the requested instance type, so
// another candidate in the same zone group may still work.
var typeCapacityCodes = map[string]bool{
	"InsufficientInstanceCapacity": true,
	"SpotMaxPriceTooLow":           true,
	"UnfulfillableCapacity":        true,
}

// Capacity faults that exhaust the zone for every instance type.
var zoneCapacityCodes = map[string]bool{
	"InsufficientFreeAddressesInSubnet": true,
	"InsufficientAddressCapacity":       true,
}

// wrapLaunchError upgrades recognizable EC2 API faults to the typed
// errors in lib/cloud. Anything else passes through unchanged.
func wrapLaunchError(err error, rateLimitDelay time.Duration) error {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return err
	}
	code := ae.ErrorCode()
	switch {
	case throttleCodes[code]:
		return rateLimitError{error: err, earliestRetry: time.Now().Add(rateLimitDelay)}
	case quotaCodes[code]:
		return quotaError{error: err}
	case typeCapacityCodes[code]:
		return capacityError{error: err, typeSpecific: true}
	case zoneCapacityCodes[code]:
		return capacityError{error: err, typeSpecific: false}
	}
	return err
}
