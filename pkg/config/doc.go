/*
Package config loads node configuration from a YAML file, STRATA_*
environment variables, and built-in defaults via viper.

Peers listed under config are discovery input only; they never alter
partition placement. Layout changes go through the layout manager.
*/
package config
