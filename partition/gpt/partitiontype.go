package gpt

// Type constants for the GUID for type of partition, see https://en.wikipedia.org/wiki/GUID_Partition_Table#Partition_entries
type Type string

// List of GUID partition types
const (
	Unused             Type = "00000000-0000-0000-0000-000000000000"
	EFISystemPartition Type = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	MicrosoftBasicData Type = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"
	LinuxFilesystem    Type = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
)
